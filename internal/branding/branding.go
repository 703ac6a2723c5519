// Package branding rewrites the generic agency placeholders in policy text
// with an agency's own name.
//
// Substitution is textual. Any occurrence of a placeholder is replaced, even
// inside unrelated wording, and no sentence structure is inspected.
package branding

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Identity describes the agency a session is run for.
type Identity struct {
	Name    string `json:"name"`
	Tagline string `json:"tagline,omitempty"`
	Logo    string `json:"logo,omitempty"`
}

// Placeholders are the generic tokens Brand replaces.
var Placeholders = []string{"The agency", "the agency", "[Agency Name]"}

// Brand replaces every placeholder in template with identity.Name. A blank
// name leaves the template untouched.
func Brand(template string, identity Identity) string {
	if strings.TrimSpace(identity.Name) == "" {
		return template
	}
	pairs := make([]string, 0, len(Placeholders)*2)
	for _, placeholder := range Placeholders {
		pairs = append(pairs, placeholder, identity.Name)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// Change is one rewritten span. Offset is a byte offset into the original
// template.
type Change struct {
	Offset      int    `json:"offset"`
	Original    string `json:"original"`
	Replacement string `json:"replacement"`
}

// Preview lists the spans Brand would rewrite, in template order.
func Preview(template string, identity Identity) []Change {
	branded := Brand(template, identity)
	if branded == template {
		return nil
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(template, branded, false))

	var changes []Change
	var pending *Change
	offset := 0
	flush := func() {
		if pending != nil {
			changes = append(changes, *pending)
			pending = nil
		}
	}
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			flush()
			offset += len(d.Text)
		case diffmatchpatch.DiffDelete:
			if pending == nil {
				pending = &Change{Offset: offset}
			}
			pending.Original += d.Text
			offset += len(d.Text)
		case diffmatchpatch.DiffInsert:
			if pending == nil {
				pending = &Change{Offset: offset}
			}
			pending.Replacement += d.Text
		}
	}
	flush()
	return changes
}

// Apply replays changes produced by Preview against the original template.
func Apply(template string, changes []Change) string {
	var b strings.Builder
	cursor := 0
	for _, c := range changes {
		if c.Offset < cursor || c.Offset+len(c.Original) > len(template) {
			continue
		}
		b.WriteString(template[cursor:c.Offset])
		b.WriteString(c.Replacement)
		cursor = c.Offset + len(c.Original)
	}
	b.WriteString(template[cursor:])
	return b.String()
}
