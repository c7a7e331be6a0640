package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Models return decisions as JSON, but rarely as clean JSON: the object may
// be wrapped in a markdown fence, preceded by prose, or missing entirely.
// DecodeDecision extracts and strictly decodes the first JSON object found
// in the reply. Call sites own their fallback policy: on error they apply a
// deterministic default decision instead of aborting the enclosing loop.
func DecodeDecision(reply string, v interface{}) error {
	candidate := extractJSONObject(reply)
	if candidate == "" {
		return fmt.Errorf("no JSON object in model reply")
	}

	dec := json.NewDecoder(strings.NewReader(candidate))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		// Unknown fields are common in model output; retry leniently
		// before giving up so extra keys alone never force a fallback.
		if err2 := json.Unmarshal([]byte(candidate), v); err2 != nil {
			return fmt.Errorf("decoding model decision: %w", err2)
		}
	}
	return nil
}

// extractJSONObject returns the first balanced JSON object in the reply.
// Preference order: fenced ```json block, then a bare brace scan.
func extractJSONObject(reply string) string {
	// Fenced block first.
	if idx := strings.Index(reply, "```json"); idx >= 0 {
		rest := reply[idx+len("```json"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			if obj := scanBalancedObject(rest[:end]); obj != "" {
				return obj
			}
		}
	}
	if idx := strings.Index(reply, "```"); idx >= 0 {
		rest := reply[idx+3:]
		if end := strings.Index(rest, "```"); end >= 0 {
			if obj := scanBalancedObject(rest[:end]); obj != "" {
				return obj
			}
		}
	}

	return scanBalancedObject(reply)
}

// scanBalancedObject finds the first brace-balanced object, respecting
// string literals and escapes.
func scanBalancedObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]

		if escaped {
			escaped = false
			continue
		}

		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}

	return ""
}
