// Package catalog holds the fixed, ordered set of regulatory policy sections
// that every review session walks through.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogYAML []byte

// PolicySection is an immutable catalog entry.
type PolicySection struct {
	ID          string   `yaml:"id" json:"id"`
	Citation    string   `yaml:"citation" json:"citation"`
	Title       string   `yaml:"title" json:"title"`
	Gap         string   `yaml:"gap,omitempty" json:"gap,omitempty"`
	DefaultText string   `yaml:"defaultText" json:"defaultText"`
	Rationale   string   `yaml:"rationale" json:"rationale"`
	FormNames   []string `yaml:"forms" json:"formNames"`
}

// Classification is a licensing tier within a region.
type Classification struct {
	Code        string `yaml:"code" json:"code"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
}

// Region is a licensing jurisdiction and the tiers it recognizes.
type Region struct {
	Code            string           `yaml:"code" json:"code"`
	Name            string           `yaml:"name" json:"name"`
	Classifications []Classification `yaml:"classifications" json:"classifications"`
}

// Jurisdiction is the region/tier pair selected for a session.
type Jurisdiction struct {
	Region         string `json:"region"`
	Classification string `json:"classification"`
}

// Normalize upper-cases the region code and lower-cases the classification.
func (j Jurisdiction) Normalize() Jurisdiction {
	return Jurisdiction{
		Region:         strings.ToUpper(strings.TrimSpace(j.Region)),
		Classification: strings.ToLower(strings.TrimSpace(j.Classification)),
	}
}

// Catalog is the parsed, validated catalog document. It is never mutated
// after Parse returns.
type Catalog struct {
	sections  []PolicySection
	index     map[string]int
	regions   []Region
	scanSteps []string
}

type document struct {
	Regions   []Region        `yaml:"regions"`
	ScanSteps []string        `yaml:"scanSteps"`
	Sections  []PolicySection `yaml:"sections"`
}

var defaultCatalog = mustParse(catalogYAML)

func mustParse(data []byte) *Catalog {
	c, err := Parse(data)
	if err != nil {
		panic(fmt.Sprintf("catalog: embedded catalog is invalid: %v", err))
	}
	return c
}

// Default returns the process-wide catalog loaded from the embedded document.
func Default() *Catalog {
	return defaultCatalog
}

// Sections returns the sections of the default catalog in order.
func Sections() []PolicySection {
	return defaultCatalog.Sections()
}

// Parse decodes and validates a catalog document.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return New(doc.Sections, doc.Regions, doc.ScanSteps)
}

// New builds a catalog from already-decoded parts. Section ids must be unique
// and form names must be unique within a section.
func New(sections []PolicySection, regions []Region, scanSteps []string) (*Catalog, error) {
	if len(sections) == 0 {
		return nil, errors.New("catalog has no sections")
	}
	c := &Catalog{
		sections:  make([]PolicySection, 0, len(sections)),
		index:     make(map[string]int, len(sections)),
		regions:   cloneRegions(regions),
		scanSteps: append([]string(nil), scanSteps...),
	}
	for _, section := range sections {
		id := strings.TrimSpace(section.ID)
		if id == "" {
			return nil, fmt.Errorf("section %q has no id", section.Title)
		}
		if _, exists := c.index[id]; exists {
			return nil, fmt.Errorf("duplicate section id %q", id)
		}
		seen := make(map[string]struct{}, len(section.FormNames))
		for _, name := range section.FormNames {
			if strings.TrimSpace(name) == "" {
				return nil, fmt.Errorf("section %q has a blank form name", id)
			}
			if _, dup := seen[name]; dup {
				return nil, fmt.Errorf("section %q lists form %q twice", id, name)
			}
			seen[name] = struct{}{}
		}
		section.ID = id
		section.DefaultText = strings.TrimRight(section.DefaultText, "\n")
		c.index[id] = len(c.sections)
		c.sections = append(c.sections, cloneSection(section))
	}
	return c, nil
}

// Sections returns a copy of every section in catalog order.
func (c *Catalog) Sections() []PolicySection {
	out := make([]PolicySection, len(c.sections))
	for i, section := range c.sections {
		out[i] = cloneSection(section)
	}
	return out
}

// Len is the number of sections.
func (c *Catalog) Len() int {
	return len(c.sections)
}

// Lookup finds a section by id.
func (c *Catalog) Lookup(id string) (PolicySection, bool) {
	i, ok := c.index[id]
	if !ok {
		return PolicySection{}, false
	}
	return cloneSection(c.sections[i]), true
}

// FormNames lists every distinct form name in first-reference order.
func (c *Catalog) FormNames() []string {
	seen := make(map[string]struct{})
	var names []string
	for _, section := range c.sections {
		for _, name := range section.FormNames {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	return names
}

// References reports whether the section lists the form.
func (s PolicySection) References(formName string) bool {
	for _, name := range s.FormNames {
		if name == formName {
			return true
		}
	}
	return false
}

// Regions returns the supported jurisdictions.
func (c *Catalog) Regions() []Region {
	return cloneRegions(c.regions)
}

// ScanSteps returns the fixed log lines shown while a session is scanning.
func (c *Catalog) ScanSteps() []string {
	return append([]string(nil), c.scanSteps...)
}

// DefaultJurisdiction is the first region with its most permissive tier.
func (c *Catalog) DefaultJurisdiction() Jurisdiction {
	if len(c.regions) == 0 || len(c.regions[0].Classifications) == 0 {
		return Jurisdiction{}
	}
	region := c.regions[0]
	return Jurisdiction{
		Region:         region.Code,
		Classification: region.Classifications[len(region.Classifications)-1].Code,
	}
}

// ValidJurisdiction reports whether the normalized pair names a known region
// and one of its tiers. A catalog without regions accepts any pair.
func (c *Catalog) ValidJurisdiction(j Jurisdiction) bool {
	if len(c.regions) == 0 {
		return true
	}
	j = j.Normalize()
	for _, region := range c.regions {
		if !strings.EqualFold(region.Code, j.Region) {
			continue
		}
		for _, tier := range region.Classifications {
			if strings.EqualFold(tier.Code, j.Classification) {
				return true
			}
		}
	}
	return false
}

func cloneSection(section PolicySection) PolicySection {
	section.FormNames = append([]string(nil), section.FormNames...)
	return section
}

func cloneRegions(regions []Region) []Region {
	out := make([]Region, len(regions))
	for i, region := range regions {
		region.Classifications = append([]Classification(nil), region.Classifications...)
		out[i] = region
	}
	return out
}
