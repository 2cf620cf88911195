package hook

import (
	"fmt"
	"strings"
	"time"
)

// FormatContext renders a context response as markdown. The SessionStart
// hook prints this to stdout so the host agent picks it up as ambient
// context, and the context command renders the same text for humans.
func FormatContext(resp *ContextResponse) string {
	if resp == nil || (len(resp.Observations) == 0 && len(resp.Summaries) == 0) {
		project := ""
		if resp != nil {
			project = resp.Project
		}
		if project == "" {
			return "No recorded memory yet.\n"
		}
		return fmt.Sprintf("No recorded memory for %s yet.\n", project)
	}

	var b strings.Builder

	if resp.Project != "" {
		fmt.Fprintf(&b, "# Recent memory for %s\n\n", resp.Project)
	} else {
		b.WriteString("# Recent memory\n\n")
	}

	if len(resp.Summaries) > 0 {
		b.WriteString("## Past sessions\n\n")
		for _, sum := range resp.Summaries {
			writeSummaryEntry(&b, sum.CreatedAtEpoch, sum.Request, sum.Outcome, sum.Learned)
		}
		b.WriteString("\n")
	}

	if len(resp.Observations) > 0 {
		b.WriteString("## Observations\n\n")
		for _, obs := range resp.Observations {
			fmt.Fprintf(&b, "- **%s**", obs.Title)
			if obs.Kind != "" {
				fmt.Fprintf(&b, " (%s)", obs.Kind)
			}
			if obs.Body != "" {
				fmt.Fprintf(&b, ": %s", strings.TrimSpace(obs.Body))
			}
			if obs.Files != "" {
				fmt.Fprintf(&b, " [%s]", obs.Files)
			}
			b.WriteString("\n")
		}
	}

	return b.String()
}

func writeSummaryEntry(b *strings.Builder, epoch int64, request, outcome, learned string) {
	when := ""
	if epoch > 0 {
		when = time.Unix(epoch, 0).Local().Format("2006-01-02")
	}

	b.WriteString("- ")
	if when != "" {
		fmt.Fprintf(b, "*%s* ", when)
	}
	if request != "" {
		fmt.Fprintf(b, "**%s**", strings.TrimSpace(request))
	}
	if outcome != "" {
		fmt.Fprintf(b, ": %s", strings.TrimSpace(outcome))
	}
	if learned != "" {
		fmt.Fprintf(b, " (learned: %s)", strings.TrimSpace(learned))
	}
	b.WriteString("\n")
}
