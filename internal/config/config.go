package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"careguide/api/internal/email"
)

type Config struct {
	Addr       string
	CORSOrigin string
	// Generation service
	GatewayURL     string
	GatewayTimeout time.Duration
	// FormSingleFlight collapses overlapping requests for the same form.
	FormSingleFlight bool
	// Session storage; empty RedisURL keeps sessions in process memory.
	RedisURL   string
	SessionTTL time.Duration
	// Catalog search
	MeiliURL       string
	MeiliMasterKey string
	// Printing
	PrintDelay    time.Duration
	ExportTimeout time.Duration
	// SMTP Configuration
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string
}

func Load() Config {
	return Config{
		Addr:             getenv("API_ADDR", ":8787"),
		CORSOrigin:       getenv("CORS_ORIGIN", "*"),
		GatewayURL:       getenv("GATEWAY_URL", "http://localhost:8000/api"),
		GatewayTimeout:   time.Duration(getenvInt("GATEWAY_TIMEOUT_SECONDS", 60)) * time.Second,
		FormSingleFlight: getenvBool("FORM_SINGLE_FLIGHT", false),
		RedisURL:         getenv("REDIS_URL", ""),
		SessionTTL:       time.Duration(getenvInt("SESSION_TTL_SECONDS", 86400)) * time.Second,
		MeiliURL:         getenv("MEILI_URL", ""),
		MeiliMasterKey:   getenv("MEILI_MASTER_KEY", ""),
		PrintDelay:       time.Duration(getenvInt("PRINT_DELAY_MS", 250)) * time.Millisecond,
		ExportTimeout:    time.Duration(getenvInt("EXPORT_TIMEOUT_SECONDS", 30)) * time.Second,
		// SMTP - empty by default, manual email disabled if not configured
		SMTPHost:     getenv("SMTP_HOST", ""),
		SMTPPort:     getenv("SMTP_PORT", "587"),
		SMTPUsername: getenv("SMTP_USERNAME", ""),
		SMTPPassword: getenv("SMTP_PASSWORD", ""),
		SMTPFrom:     getenv("SMTP_FROM", ""),
		SMTPFromName: getenv("SMTP_FROM_NAME", "Care Policy Wizard"),
	}
}

// EmailConfig returns the SMTP settings in the shape the email package wants.
func (c Config) EmailConfig() email.Config {
	return email.Config{
		Host:     c.SMTPHost,
		Port:     c.SMTPPort,
		Username: c.SMTPUsername,
		Password: c.SMTPPassword,
		From:     c.SMTPFrom,
		FromName: c.SMTPFromName,
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
