package engine

import (
	"fmt"
	"strings"
	"time"

	"driftline/internal/domain"
	"driftline/internal/tools"
)

// template returns the prompt template for a work type, falling back to
// "default".
func (e Engine) template(workType string) string {
	if t, ok := e.Config.Prompts[workType]; ok && strings.TrimSpace(t) != "" {
		return t
	}
	return e.Config.Prompts["default"]
}

func fill(tmpl string, w domain.StandingWork) string {
	return strings.NewReplacer(
		"{{type}}", w.Type,
		"{{title}}", w.Title,
		"{{description}}", w.Description,
	).Replace(tmpl)
}

// buildPrompt assembles the system and user messages for one generation.
func (e Engine) buildPrompt(w domain.StandingWork, g gathered, preferences, feedback string) (string, string) {
	var sys strings.Builder
	sys.WriteString(strings.TrimSpace(fill(e.template(w.Type), w)))
	sys.WriteString("\n\n")
	fmt.Fprintf(&sys, "You may call the read-only tools %s for up to %d rounds before writing. ",
		strings.Join(tools.Names, ", "), g.Rounds)
	switch w.Binding {
	case domain.BindingResearch, domain.BindingHybrid:
		sys.WriteString("Nothing has been researched for you: investigate with web_search and the content tools before writing. ")
	default:
		sys.WriteString("The gathered items below are your primary source; use tools only to fill gaps. ")
	}
	sys.WriteString("Reply with the finished deliverable only.")

	chars := e.Config.Engine.ContextChars
	if chars <= 0 {
		chars = 1200
	}
	var user strings.Builder
	fmt.Fprintf(&user, "# %s\n", w.Title)
	if w.Description != "" {
		fmt.Fprintf(&user, "\n%s\n", w.Description)
	}
	if g.Directive != "" {
		fmt.Fprintf(&user, "\n## Research directive\n%s\n", g.Directive)
	}
	if len(g.Items) > 0 {
		fmt.Fprintf(&user, "\n## Gathered items (%d)\n", len(g.Items))
		for _, it := range g.Items {
			fmt.Fprintf(&user, "\n[%s] %s/%s %s", it.ID, it.Platform, it.ResourceID, it.SourceTimestamp.Format(time.RFC3339))
			if it.Author != "" {
				fmt.Fprintf(&user, " by %s", it.Author)
			}
			if it.Title != "" {
				fmt.Fprintf(&user, "\n%s", it.Title)
			}
			fmt.Fprintf(&user, "\n%s\n", tools.Truncate(it.Payload, chars))
		}
	} else if g.Directive == "" {
		user.WriteString("\nNo items were gathered for this run.\n")
	}
	if strings.TrimSpace(preferences) != "" {
		fmt.Fprintf(&user, "\n## Owner preferences\n%s\n", strings.TrimSpace(preferences))
	}
	if strings.TrimSpace(feedback) != "" {
		fmt.Fprintf(&user, "\n## Feedback on the previous version\n%s\n", strings.TrimSpace(feedback))
	}
	return sys.String(), user.String()
}
