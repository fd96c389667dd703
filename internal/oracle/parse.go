package oracle

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// analysisSchema is the contract a response must satisfy. Anything that
// fails validation degrades to the restart fallback rather than erroring.
const analysisSchema = `{
	"type": "object",
	"required": ["root_cause", "fix_type", "confidence"],
	"properties": {
		"root_cause": {"type": "string", "minLength": 1},
		"fix_type": {"enum": ["restart", "config", "code", "scale_down"]},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"fix_description": {"type": "string"},
		"params": {"type": "object"},
		"patch": {
			"type": "object",
			"required": ["kind"],
			"properties": {
				"kind": {"enum": ["function_replace", "replace", "unified_diff"]}
			}
		}
	}
}`

var compiledSchema = jsonschema.MustCompileString("analysis.json", analysisSchema)

// ParseResponse strictly parses a model response into an Analysis. Any
// parse or validation failure yields the restart fallback at confidence
// 0.5; the oracle contract never surfaces malformed advice.
func ParseResponse(content string) *Analysis {
	raw := extractJSON(content)
	if raw == "" {
		return fallbackAnalysis("no JSON object found")
	}

	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return fallbackAnalysis(err.Error())
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return fallbackAnalysis("schema validation: " + err.Error())
	}

	var a Analysis
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return fallbackAnalysis(err.Error())
	}

	// A code recommendation without a usable patch is a restart in disguise.
	if a.FixType == FixCode {
		if a.Patch == nil || a.Patch.Validate() != nil {
			return fallbackAnalysis("code fix without a valid patch")
		}
	}
	return &a
}

// extractJSON recovers a JSON object from model output that may wrap it in
// markdown fences or prose.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "{") && strings.HasSuffix(content, "}") {
		return content
	}

	// Fenced block.
	if i := strings.Index(content, "```"); i >= 0 {
		rest := content[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			candidate := strings.TrimSpace(rest[:j])
			if strings.HasPrefix(candidate, "{") {
				return candidate
			}
		}
	}

	// First balanced object in surrounding prose.
	start := strings.IndexByte(content, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		ch := content[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case !inString && ch == '{':
			depth++
		case !inString && ch == '}':
			depth--
			if depth == 0 {
				return content[start : i+1]
			}
		}
	}
	return ""
}
