package crew

import (
	"fmt"
	"strings"
	"time"
)

const (
	FormatSummary   = "summary"
	FormatDetailed  = "detailed"
	FormatExecutive = "executive"
)

func validFormat(f string) bool {
	return f == FormatSummary || f == FormatDetailed || f == FormatExecutive
}

// RenderReport lays out the analysis in one of the report formats.
func RenderReport(format, question, analysis string, sources []string, at time.Time) string {
	analysis = strings.TrimSpace(analysis)
	stamp := at.UTC().Format("2006-01-02 15:04:05 UTC")

	var sb strings.Builder
	switch format {
	case FormatExecutive:
		sb.WriteString("EXECUTIVE FINANCIAL SUMMARY\n\n")
		fmt.Fprintf(&sb, "Question: %s\n\n", question)
		fmt.Fprintf(&sb, "KEY FINDINGS:\n%s\n", analysis)
	case FormatDetailed:
		sb.WriteString("DETAILED FINANCIAL ANALYSIS\n\n")
		fmt.Fprintf(&sb, "Analysis Question: %s\nGenerated: %s\n\n", question, stamp)
		fmt.Fprintf(&sb, "COMPLETE ANALYSIS:\n%s\n", analysis)
		if len(sources) > 0 {
			sb.WriteString("\nDATA SOURCES:\n")
			for _, s := range sources {
				fmt.Fprintf(&sb, "- %s\n", s)
			}
		}
	default:
		sb.WriteString("Financial Analysis Summary\n\n")
		fmt.Fprintf(&sb, "Question: %s\nAnalysis Results: %s\nGenerated: %s\n", question, analysis, stamp)
	}
	return sb.String()
}
