// Command careguidectl inspects the policy catalog offline: list sections,
// preview branding, search, and print a branded manual.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/spf13/cobra"

	"careguide/api/internal/branding"
	"careguide/api/internal/catalog"
	"careguide/api/internal/export"
	"careguide/api/internal/search"
)

// exitErr carries a numeric exit code through the cobra error path.
type exitErr struct {
	code int
	msg  string
}

func (e *exitErr) Error() string { return e.msg }

func codeError(code int, format string, args ...any) error {
	return &exitErr{code: code, msg: fmt.Sprintf(format, args...)}
}

func main() {
	root := newRootCmd(catalog.Default())
	if err := root.Execute(); err != nil {
		var ee *exitErr
		if errors.As(err, &ee) {
			fmt.Fprintln(os.Stderr, "Error:", ee.msg)
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

func newRootCmd(cat *catalog.Catalog) *cobra.Command {
	root := &cobra.Command{
		Use:          "careguidectl",
		Short:        "Inspect the home-care policy catalog",
		SilenceUsage: true,
	}
	root.AddCommand(
		newSectionsCmd(cat),
		newBrandCmd(cat),
		newSearchCmd(cat),
		newPrintCmd(cat),
	)
	return root
}

func newSectionsCmd(cat *catalog.Catalog) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sections",
		Short: "List catalog sections in review order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(cat.Sections())
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tID\tCITATION\tTITLE\tFORMS")
			for i, section := range cat.Sections() {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\n", i+1, section.ID, section.Citation, section.Title, len(section.FormNames))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print sections as JSON")
	return cmd
}

func newBrandCmd(cat *catalog.Catalog) *cobra.Command {
	var (
		name     string
		showDiff bool
	)
	cmd := &cobra.Command{
		Use:   "brand <section-id>",
		Short: "Show a section's text branded for an agency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			section, ok := cat.Lookup(args[0])
			if !ok {
				return codeError(2, "unknown section %q", args[0])
			}
			identity := branding.Identity{Name: name}
			branded := branding.Brand(section.DefaultText, identity)
			out := cmd.OutOrStdout()

			if !showDiff {
				fmt.Fprintln(out, branded)
				return nil
			}
			dmp := diffmatchpatch.New()
			diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(section.DefaultText, branded, false))
			fmt.Fprintln(out, renderDiff(diffs))
			fmt.Fprintf(out, "\n%d replacement(s)\n", len(branding.Preview(section.DefaultText, identity)))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Agency name (required)")
	cmd.Flags().BoolVar(&showDiff, "diff", false, "Mark removed text as [-...-] and added text as {+...+}")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// renderDiff prints diffs in word-diff notation so the output stays readable
// without a color terminal.
func renderDiff(diffs []diffmatchpatch.Diff) string {
	var b strings.Builder
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			b.WriteString(d.Text)
		case diffmatchpatch.DiffDelete:
			b.WriteString("[-" + d.Text + "-]")
		case diffmatchpatch.DiffInsert:
			b.WriteString("{+" + d.Text + "+}")
		}
	}
	return b.String()
}

func newSearchCmd(cat *catalog.Catalog) *cobra.Command {
	var (
		resultType string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search section text and form names",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := search.ResultType(strings.ToLower(resultType))
			if filter != "" && filter != search.ResultSection && filter != search.ResultForm {
				return codeError(2, "--type must be 'section' or 'form'")
			}
			sections, forms := search.Records(cat)
			svc := search.NewService(nil, sections, forms)
			resp := svc.Search(search.Query{Text: strings.Join(args, " "), FilterType: filter, Limit: limit})

			out := cmd.OutOrStdout()
			if len(resp.Results) == 0 {
				fmt.Fprintln(out, "no matches")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, r := range resp.Results {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Type, r.SectionID, r.Title, stripMarks(r.Snippet))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "%d of %d result(s)\n", len(resp.Results), resp.Total)
			return nil
		},
	}
	cmd.Flags().StringVar(&resultType, "type", "", "Restrict to 'section' or 'form'")
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum results")
	return cmd
}

func stripMarks(s string) string {
	return strings.NewReplacer("<mark>", "", "</mark>", "").Replace(s)
}

type printFlags struct {
	name           string
	tagline        string
	logo           string
	region         string
	classification string
	format         string
	out            string
	timeout        time.Duration
}

func newPrintCmd(cat *catalog.Catalog) *cobra.Command {
	var flags printFlags
	cmd := &cobra.Command{
		Use:   "print",
		Short: "Render the branded manual of every catalog section",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrint(cmd.Context(), cat, flags, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.name, "name", "", "Agency name (required)")
	f.StringVar(&flags.tagline, "tagline", "", "Agency tagline")
	f.StringVar(&flags.logo, "logo", "", "Logo URL (http, https or data:image)")
	f.StringVar(&flags.region, "region", "", "Region code; defaults to the catalog default")
	f.StringVar(&flags.classification, "classification", "", "Classification tier; defaults to the catalog default")
	f.StringVar(&flags.format, "format", "html", "Output format: html, pdf or docx")
	f.StringVar(&flags.out, "out", "", "Write to this file instead of stdout")
	f.DurationVar(&flags.timeout, "timeout", 30*time.Second, "PDF/DOCX conversion timeout")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func runPrint(ctx context.Context, cat *catalog.Catalog, flags printFlags, stdout io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(flags.name) == "" {
		return codeError(2, "--name must not be blank")
	}
	format, err := export.ParseFormat(flags.format)
	if err != nil {
		return codeError(2, "%s", err)
	}

	jurisdiction := catalog.Jurisdiction{Region: flags.region, Classification: flags.classification}.Normalize()
	fallback := cat.DefaultJurisdiction()
	if jurisdiction.Region == "" {
		jurisdiction.Region = fallback.Region
	}
	if jurisdiction.Classification == "" {
		jurisdiction.Classification = fallback.Classification
	}
	if !cat.ValidJurisdiction(jurisdiction) {
		return codeError(2, "unsupported jurisdiction %s/%s", jurisdiction.Region, jurisdiction.Classification)
	}

	identity := branding.Identity{Name: flags.name, Tagline: flags.tagline, Logo: flags.logo}
	data := export.ManualData{
		AgencyName:   identity.Name,
		Tagline:      identity.Tagline,
		Logo:         export.LogoURL(identity.Logo),
		Jurisdiction: jurisdiction.Region + " " + jurisdiction.Classification,
		GeneratedAt:  time.Now(),
	}
	for _, section := range cat.Sections() {
		data.Sections = append(data.Sections, export.ManualSection{
			Title:    section.Title,
			Citation: section.Citation,
			Body:     template.HTML(export.TextToHTML(branding.Brand(section.DefaultText, identity))),
		})
	}

	result, err := export.NewService(0, flags.timeout).Manual(ctx, data, format)
	if err != nil {
		return codeError(3, "render manual: %s", err)
	}

	if flags.out == "" {
		_, err := stdout.Write(result.Data)
		return err
	}
	if err := os.WriteFile(flags.out, result.Data, 0o644); err != nil {
		return codeError(3, "write %s: %s", flags.out, err)
	}
	fmt.Fprintf(os.Stderr, "wrote %s (%d bytes)\n", flags.out, len(result.Data))
	return nil
}
