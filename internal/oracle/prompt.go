package oracle

import (
	"fmt"
	"strings"
)

const systemPrompt = "You are a debugging expert for bulk data-migration workers. " +
	"Analyze worker diagnostics and answer with a single JSON object and nothing else."

// BuildPrompt renders the diagnostics into the analysis prompt.
func BuildPrompt(d Diagnostics) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Worker %d is stuck: no uploads for %d minutes\n", d.WorkerID, d.MinutesStuck)
	fmt.Fprintf(&b, "Last upload: %s\n", orUnknown(d.LastUpload))
	fmt.Fprintf(&b, "Worker status: %s\n", orUnknown(d.Status))
	fmt.Fprintf(&b, "Current shard key range: %s\n", orUnknown(d.KeyRange))

	if d.DiskUtilization > 0 {
		fmt.Fprintf(&b, "Disk I/O utilization: %.1f%% (%s)\n", d.DiskUtilization, diskLabel(d.DiskUtilization))
		if d.DiskSaturated {
			b.WriteString("CRITICAL: disk I/O is saturated; this alone can stall every worker.\n")
		}
	}
	if d.RecurrenceCount >= 2 {
		fmt.Fprintf(&b, "This root cause pattern has recurred %d times; a restart alone has not fixed it. Consider a code fix.\n", d.RecurrenceCount)
	}

	if len(d.ErrorTags) > 0 {
		b.WriteString("\nError patterns detected:\n")
		for _, t := range d.ErrorTags {
			fmt.Fprintf(&b, "- %s\n", t)
		}
	}

	for name, src := range d.CodeSnippets {
		fmt.Fprintf(&b, "\nRelevant source (%s):\n```go\n%s\n```\n", name, src)
	}

	fmt.Fprintf(&b, "\nRecent logs:\n%s\n", tail(d.Logs, 4000))
	if d.TargetLogs != "" {
		fmt.Fprintf(&b, "\nTarget service logs:\n%s\n", tail(d.TargetLogs, 2000))
	}

	b.WriteString(`
Respond with JSON only:
{
  "root_cause": "<short description>",
  "fix_type": "restart" | "config" | "code" | "scale_down",
  "confidence": <0..1>,
  "fix_description": "<what to do and why>",
  "params": {"parallel_uploads": N, "batch_size": N},   // config fixes only
  "patch": {                                            // code fixes only
    "kind": "function_replace" | "replace" | "unified_diff",
    "function_name": "...", "body": "...",
    "old": "...", "new": "...",
    "diff": "..."
  }
}

Use "scale_down" when disk I/O saturation is the root cause. For code
fixes, the patch must be complete and syntactically valid; include enough
context to locate the change uniquely.`)

	return b.String()
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func diskLabel(util float64) string {
	switch {
	case util >= 90:
		return "SATURATED"
	case util >= 70:
		return "HIGH"
	default:
		return "NORMAL"
	}
}

// tail returns the last n bytes of s, cutting at a line boundary.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return s
}
