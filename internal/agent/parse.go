package agent

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/pagepilot/api/schemas"
)

// Decision is the structured reply the model gives for one step.
type Decision struct {
	Thought string                   `json:"thought"`
	Summary string                   `json:"summary"`
	Memory  string                   `json:"memory,omitempty"`
	Action  schemas.ActionInvocation `json:"action"`
}

var (
	outputBlockRegex = regexp.MustCompile(`(?s)<output_\d+>\s*(.*?)\s*(?:</output_\d+>|$)`)
	// A regex to extract a JSON object from a markdown code block.
	jsonBlockRegex = regexp.MustCompile(fmt.Sprintf("(?s)%s(?:json)?\\s*(.*?)\\s*%s", "```", "```"))
)

// ParseDecision recovers a Decision from a raw model reply. It looks for an
// <output_N> block, then a markdown fence, then the outermost braces, and
// retries once with control characters escaped.
func ParseDecision(raw string) (*Decision, error) {
	body := extractPayload(raw)
	if body == "" {
		return nil, fmt.Errorf("%w: no JSON object in reply", ErrMalformedModelOutput)
	}

	var d Decision
	err := json.Unmarshal([]byte(body), &d)
	if err != nil {
		if retryErr := json.Unmarshal([]byte(normalizeEscapes(body)), &d); retryErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedModelOutput, err)
		}
	}
	d.Action.Name = strings.TrimSpace(d.Action.Name)
	if d.Action.Name == "" {
		return nil, fmt.Errorf("%w: decision has no action name", ErrMalformedModelOutput)
	}
	if d.Action.Params == nil {
		d.Action.Params = map[string]any{}
	}
	return &d, nil
}

func extractPayload(raw string) string {
	text := strings.TrimSpace(raw)
	if m := outputBlockRegex.FindStringSubmatch(text); len(m) > 1 {
		// Fences inside a delimited block may belong to string values, so
		// only the brace scan below applies.
		text = strings.TrimSpace(m[1])
	} else if m := jsonBlockRegex.FindStringSubmatch(text); len(m) > 1 {
		text = strings.TrimSpace(m[1])
	}
	first := strings.Index(text, "{")
	last := strings.LastIndex(text, "}")
	if first == -1 || last <= first {
		return ""
	}
	return text[first : last+1]
}

// normalizeEscapes escapes raw control characters inside JSON strings and
// doubles backslashes that do not start a valid escape.
func normalizeEscapes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		switch {
		case r == '"':
			inString = !inString
			b.WriteRune(r)
		case inString && r == '\\':
			if i+1 < len(s) && strings.ContainsRune(`"\/bfnrtu`, rune(s[i+1])) {
				b.WriteByte('\\')
				b.WriteByte(s[i+1])
				i += 2
				continue
			}
			b.WriteString(`\\`)
		case inString && r < 0x20:
			switch r {
			case '\n':
				b.WriteString(`\n`)
			case '\r':
				b.WriteString(`\r`)
			case '\t':
				b.WriteString(`\t`)
			default:
				fmt.Fprintf(&b, `\u%04x`, r)
			}
		default:
			b.WriteRune(r)
		}
		i += size
	}
	return b.String()
}

// canonical renders the decision as the compact JSON kept in history.
func (d *Decision) canonical() string {
	data, err := json.Marshal(d)
	if err != nil {
		return ""
	}
	return string(data)
}
