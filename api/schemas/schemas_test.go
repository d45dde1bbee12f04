package schemas_test

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/pagepilot/api/schemas"
)

// TestConstants pins values that are persisted in run state.
func TestConstants(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name     string
		constant interface{}
		expected string
	}{
		{"RoleSystem", schemas.RoleSystem, "system"},
		{"RoleUser", schemas.RoleUser, "user"},
		{"RoleAssistant", schemas.RoleAssistant, "assistant"},
		{"RoleTool", schemas.RoleTool, "tool"},

		{"PartText", schemas.PartText, "text"},
		{"PartImage", schemas.PartImage, "image"},
		{"PartToolResult", schemas.PartToolResult, "tool_result"},
		{"PartThinking", schemas.PartThinking, "thinking"},

		{"EntryPreamble", schemas.EntryPreamble, "preamble"},
		{"EntryTask", schemas.EntryTask, "task"},
		{"EntryPerception", schemas.EntryPerception, "perception"},
		{"EntryModelTurn", schemas.EntryModelTurn, "model_turn"},
		{"EntryNote", schemas.EntryNote, "note"},

		{"ImageFormatPNG", schemas.ImageFormatPNG, "png"},
		{"ImageFormatJPEG", schemas.ImageFormatJPEG, "jpeg"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.expected, reflect.ValueOf(tc.constant).String())
		})
	}
}

// TestJSONTags guards the camelCase wire names of persisted structs.
func TestJSONTags(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name      string
		structRef interface{}
		tags      map[string]string
	}{
		{
			name:      "AgentRunState",
			structRef: schemas.AgentRunState{},
			tags:      map[string]string{"RunID": "runId", "Task": "task", "Step": "step", "Conversation": "conversation"},
		},
		{
			name:      "Message",
			structRef: schemas.Message{},
			tags:      map[string]string{"Role": "role", "Entry": "entry", "Step": "step,omitempty", "Parts": "parts"},
		},
		{
			name:      "InteractiveElement",
			structRef: schemas.InteractiveElement{},
			tags: map[string]string{
				"ViewportRect": "viewportRect", "PageRect": "pageRect", "StableID": "stableId,omitempty",
				"TagKind": "tagKind", "InputKind": "inputKind,omitempty",
			},
		},
		{
			name:      "Viewport",
			structRef: schemas.Viewport{},
			tags: map[string]string{
				"DevicePixelRatio":      "devicePixelRatio",
				"ScrollAboveViewportPx": "scrollAboveViewportPx",
				"ScrollBelowViewportPx": "scrollBelowViewportPx",
			},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			typ := reflect.TypeOf(tc.structRef)
			for field, want := range tc.tags {
				f, ok := typ.FieldByName(field)
				require.True(t, ok, "field %s missing", field)
				assert.Equal(t, want, f.Tag.Get("json"), "field %s", field)
			}
		})
	}
}

func TestRectangle(t *testing.T) {
	t.Parallel()
	r := schemas.NewRectangle(10, 20, 30, 40)
	assert.Equal(t, 40.0, r.Right)
	assert.Equal(t, 60.0, r.Bottom)
	assert.Equal(t, 1200.0, r.Area())

	assert.Zero(t, schemas.NewRectangle(5, 5, 0, 10).Area())
	assert.Zero(t, schemas.Rectangle{Left: 10, Right: 5, Top: 0, Bottom: 10}.Area())
}

func TestImageFormat_MediaType(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "image/png", schemas.ImageFormatPNG.MediaType())
	assert.Equal(t, "image/jpeg", schemas.ImageFormatJPEG.MediaType())
	assert.Equal(t, "image/png", schemas.ImageFormat("").MediaType())
}

func TestPageSnapshot(t *testing.T) {
	t.Parallel()
	raw := &schemas.Image{Format: schemas.ImageFormatPNG, Data: []byte("raw")}
	annotated := &schemas.Image{Format: schemas.ImageFormatPNG, Data: []byte("annotated")}
	snap := schemas.NewPageSnapshot("https://example.com", nil, schemas.Viewport{Width: 800},
		[]schemas.InteractiveElement{{Index: 3, Text: "c"}, {Index: 1, Text: "a"}, {Index: 2, Text: "b"}}, raw, annotated)

	el, ok := snap.Element(2)
	require.True(t, ok)
	assert.Equal(t, "b", el.Text)
	_, ok = snap.Element(9)
	assert.False(t, ok)

	ordered := snap.OrderedElements()
	require.Len(t, ordered, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{ordered[0].Index, ordered[1].Index, ordered[2].Index})

	assert.Same(t, annotated, snap.Screenshot())
	snap.AnnotatedScreenshot = nil
	assert.Same(t, raw, snap.Screenshot())

	var nilSnap *schemas.PageSnapshot
	assert.Nil(t, nilSnap.OrderedElements())
	assert.Nil(t, nilSnap.Screenshot())
	_, ok = nilSnap.Element(1)
	assert.False(t, ok)
}

func TestMessage_CloneIsDeep(t *testing.T) {
	t.Parallel()
	orig := schemas.Message{
		Role:  schemas.RoleUser,
		Entry: schemas.EntryPerception,
		Parts: []schemas.Part{
			schemas.ThinkingPart("hmm"),
			schemas.TextPart("state"),
			schemas.ImagePart(schemas.Image{Format: schemas.ImageFormatPNG, Data: []byte{1, 2, 3}}),
			{Kind: schemas.PartToolResult, ToolResult: &schemas.ToolResult{Action: "click", Content: "ok"}},
		},
	}
	assert.Equal(t, "state", orig.FirstText())

	cp := orig.Clone()
	cp.Parts[1].Text = "changed"
	cp.Parts[2].Image.Data[0] = 9
	cp.Parts[3].ToolResult.Content = "changed"

	assert.Equal(t, "state", orig.Parts[1].Text)
	assert.Equal(t, byte(1), orig.Parts[2].Image.Data[0])
	assert.Equal(t, "ok", orig.Parts[3].ToolResult.Content)
	assert.Empty(t, schemas.Message{}.FirstText())
}

func TestUsage_Add(t *testing.T) {
	t.Parallel()
	var u schemas.Usage
	u.Add(schemas.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12})
	u.Add(schemas.Usage{PromptTokens: 5, CompletionTokens: 1, TotalTokens: 6})
	assert.Equal(t, schemas.Usage{PromptTokens: 15, CompletionTokens: 3, TotalTokens: 18}, u)
}

func TestActionOutcome_JSON(t *testing.T) {
	t.Parallel()
	data, err := json.Marshal(schemas.ActionOutcome{Done: true, Content: map[string]any{"price": 9}})
	require.NoError(t, err)
	s := string(data)
	assert.True(t, strings.HasPrefix(s, `{"done":true`))
	assert.NotContains(t, s, "error")
	assert.NotContains(t, s, "handoff")
	assert.True(t, schemas.ActionOutcome{Error: "x"}.Failed())
}
