package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/pagepilot/internal/actions"
	"github.com/xkilldash9x/pagepilot/internal/perception"
)

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantAction string
		wantParams map[string]any
		wantErr    bool
	}{
		{
			name:       "output block",
			raw:        `<output_3>{"action":{"name":"done","params":{"output":"ok"}},"thought":"t","summary":"s"}</output_3>`,
			wantAction: "done",
			wantParams: map[string]any{"output": "ok"},
		},
		{
			name:       "output block without closing tag",
			raw:        "<output_2>\n{\"action\":{\"name\":\"go_back\"}}",
			wantAction: "go_back",
			wantParams: map[string]any{},
		},
		{
			name:       "markdown fence",
			raw:        "Here you go:\n```json\n{\"action\":{\"name\":\"scroll\",\"params\":{\"direction\":\"down\"}}}\n```",
			wantAction: "scroll",
			wantParams: map[string]any{"direction": "down"},
		},
		{
			name:       "fence inside output block",
			raw:        "<output_1>```json\n{\"action\":{\"name\":\"wait\"}}\n```</output_1>",
			wantAction: "wait",
			wantParams: map[string]any{},
		},
		{
			name:       "fenced snippet inside output value",
			raw:        "<output_4>{\"action\":{\"name\":\"done\",\"params\":{\"output\":\"Run:\\n```bash\\nmake test\\n```\"}},\"thought\":\"t\",\"summary\":\"s\"}</output_4>",
			wantAction: "done",
			wantParams: map[string]any{"output": "Run:\n```bash\nmake test\n```"},
		},
		{
			name:       "bare object with chatter",
			raw:        `Sure. {"thought":"x","action":{"name":"navigate","params":{"url":"https://a.b"}}} Done.`,
			wantAction: "navigate",
			wantParams: map[string]any{"url": "https://a.b"},
		},
		{
			name:       "raw control characters in strings",
			raw:        "{\"thought\":\"line one\nline two\ttabbed\",\"action\":{\"name\":\"input_text\",\"params\":{\"index\":1,\"text\":\"a\nb\"}}}",
			wantAction: "input_text",
			wantParams: map[string]any{"index": 1.0, "text": "a\nb"},
		},
		{
			name:       "invalid escape",
			raw:        `{"thought":"C:\path","action":{"name":"wait"}}`,
			wantAction: "wait",
			wantParams: map[string]any{},
		},
		{name: "no json", raw: "I will click the button.", wantErr: true},
		{name: "empty", raw: "", wantErr: true},
		{name: "missing action name", raw: `<output_1>{"thought":"t","action":{}}</output_1>`, wantErr: true},
		{name: "truncated", raw: `<output_1>{"action":{"name":"done"`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ParseDecision(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrMalformedModelOutput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAction, d.Action.Name)
			assert.Equal(t, tt.wantParams, d.Action.Params)
		})
	}
}

func TestParseDecision_InvalidEscapeKeepsText(t *testing.T) {
	d, err := ParseDecision(`{"thought":"C:\path","action":{"name":"wait"}}`)
	require.NoError(t, err)
	assert.Equal(t, `C:\path`, d.Thought)
}

func TestDecisionCanonical(t *testing.T) {
	d, err := ParseDecision("```json\n{\"summary\":\"s\",\"action\":{\"name\":\"done\",\"params\":{\"output\":\"ok\"}}}\n```")
	require.NoError(t, err)

	again, err := ParseDecision(d.canonical())
	require.NoError(t, err)
	assert.Equal(t, d, again)
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorCode
	}{
		{nil, ""},
		{context.Canceled, ErrCodeCancelled},
		{context.DeadlineExceeded, ErrCodeDeadlineExceeded},
		{fmt.Errorf("capture page state: %w", context.DeadlineExceeded), ErrCodeDeadlineExceeded},
		{perception.ErrCaptureFailed, ErrCodeTransientCapture},
		{ErrMalformedModelOutput, ErrCodeMalformedOutput},
		{actions.ErrActionNotFound, ErrCodeActionNotFound},
		{actions.ErrInvalidParams, ErrCodeInvalidParameters},
		{actions.ErrActionExecution, ErrCodeActionExecution},
		{errors.New("boom"), ErrCodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CodeOf(tt.err), "%v", tt.err)
	}
}

func FuzzParseDecision(f *testing.F) {
	f.Add([]byte(`<output_1>{"action":{"name":"done"}}</output_1>`))
	f.Add([]byte("```json\n{}\n```"))
	f.Fuzz(func(t *testing.T, data []byte) {
		c := fuzz.NewConsumer(data)
		raw, err := c.GetString()
		if err != nil {
			return
		}
		d, err := ParseDecision(raw)
		if err != nil {
			if !errors.Is(err, ErrMalformedModelOutput) {
				t.Fatalf("unexpected error class: %v", err)
			}
			return
		}
		if d.Action.Name == "" || d.Action.Params == nil {
			t.Fatalf("accepted decision without an action: %+v", d)
		}
	})
}
