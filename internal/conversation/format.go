package conversation

import (
	"fmt"
	"sort"
	"strings"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/pagepilot/api/schemas"
)

const (
	maxElementText = 120
	maxOutcomeText = 4000
)

// renderedAttributes are the element attributes worth showing to the model.
var renderedAttributes = map[string]bool{
	"aria-label":  true,
	"href":        true,
	"id":          true,
	"name":        true,
	"placeholder": true,
	"role":        true,
	"title":       true,
	"type":        true,
	"value":       true,
	"alt":         true,
}

// RenderPerception formats a snapshot and an optional human note as the
// text the model reads each step.
func RenderPerception(step int, snap *schemas.PageSnapshot, followUp string) string {
	var b strings.Builder

	if followUp != "" {
		fmt.Fprintf(&b, "<human_follow_up>\n%s\n</human_follow_up>\n", followUp)
	}

	fmt.Fprintf(&b, "<browser_state step=\"%d\">\n", step)
	if snap == nil {
		b.WriteString("No page state available.\n</browser_state>")
		return b.String()
	}
	fmt.Fprintf(&b, "Current URL: %s\n", snap.URL)
	if len(snap.Tabs) > 0 {
		b.WriteString("Open tabs:\n")
		for _, t := range snap.Tabs {
			fmt.Fprintf(&b, "  tab %s: %s (%s)\n", t.ID, t.Title, t.URL)
		}
	}
	vp := snap.Viewport
	fmt.Fprintf(&b, "Viewport: %.0fx%.0f, %.0fpx above, %.0fpx below\n",
		vp.Width, vp.Height, vp.ScrollAboveViewportPx, vp.ScrollBelowViewportPx)

	elements := snap.OrderedElements()
	if len(elements) == 0 {
		b.WriteString("Interactive elements: none detected\n")
	} else {
		b.WriteString("Interactive elements:\n")
		for _, el := range elements {
			b.WriteString(RenderElement(el))
			b.WriteByte('\n')
		}
	}
	b.WriteString("</browser_state>")
	return b.String()
}

// RenderElement formats one element as [index]<tag attrs>text</tag>.
func RenderElement(el schemas.InteractiveElement) string {
	tag := el.TagKind
	if tag == "" {
		tag = "element"
	}

	keys := make([]string, 0, len(el.Attributes))
	for k := range el.Attributes {
		if renderedAttributes[k] && el.Attributes[k] != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var attrs strings.Builder
	if el.InputKind != "" && el.Attributes["type"] == "" {
		fmt.Fprintf(&attrs, " type=%q", el.InputKind)
	}
	for _, k := range keys {
		fmt.Fprintf(&attrs, " %s=%q", k, truncate(el.Attributes[k], maxElementText))
	}
	return fmt.Sprintf("[%d]<%s%s>%s</%s>", el.Index, tag, attrs.String(), truncate(collapse(el.Text), maxElementText), tag)
}

// ResultOf converts the outcome of the named action into the tool result
// shown with the next perception.
func ResultOf(action string, o schemas.ActionOutcome) *schemas.ToolResult {
	tr := &schemas.ToolResult{Action: action}
	if o.Failed() {
		tr.Error = truncate(o.Error, maxOutcomeText)
		return tr
	}
	tr.Content = truncate(contentString(o.Content), maxOutcomeText)
	return tr
}

func contentString(content any) string {
	switch v := content.(type) {
	case nil:
		return "ok"
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}
