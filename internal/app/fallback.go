package app

import (
	"fmt"
	"html"
	"strings"

	"careguide/api/internal/catalog"
)

// chatFallback answers a follow-up question when the generation service
// cannot.
const chatFallback = "Sorry, an answer is not available right now. Please try again in a moment."

// sectionFallback explains a section locally when the generation service
// cannot. It always names the section, the concern, and the citation.
func sectionFallback(section catalog.PolicySection, concern string) string {
	return strings.TrimSpace(fmt.Sprintf(
		"An automated explanation for %q is not available right now. You raised: %q. "+
			"The requirement in %s still applies, so the proposed language stays in place until you accept or revise it. "+
			"%s",
		section.Title, concern, section.Citation, section.Rationale,
	))
}

// formErrorFragment is stored in place of a form the service failed to
// generate.
func formErrorFragment(formName string) string {
	return fmt.Sprintf(
		`<div class="form-error" role="alert" style="border:1px solid #b00020;background:#fdecea;color:#b00020;padding:1rem;border-radius:4px;">`+
			`<strong>%s could not be generated.</strong> `+
			`<p>The form service did not respond. Request the form again to retry.</p></div>`,
		html.EscapeString(formName),
	)
}
