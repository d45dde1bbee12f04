package conversation

import (
	"errors"
	"fmt"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/pagepilot/api/schemas"
)

// ErrEmpty is returned by mutators called on an empty log.
var ErrEmpty = errors.New("conversation is empty")

// Context is the ordered message log sent to the model. Entries are only
// ever appended, amended in place at the tail, or removed from the tail.
type Context struct {
	messages []schemas.Message
}

// ModelTurn is the compact record of one step's decision.
type ModelTurn struct {
	Step     int
	Output   string
	Thinking string
	// Screenshot, when set, is kept as a separate note after the turn.
	Screenshot *schemas.Image
}

// New returns an empty conversation.
func New() *Context {
	return &Context{}
}

// Len returns the number of entries.
func (c *Context) Len() int { return len(c.messages) }

// HasPreamble reports whether the system preamble was already appended,
// which is the case for resumed runs.
func (c *Context) HasPreamble() bool {
	for _, m := range c.messages {
		if m.Entry == schemas.EntryPreamble {
			return true
		}
	}
	return false
}

// AppendSystemAndTask seeds the log with the system prompt and the task.
// A non-empty outputSchema is appended to the system prompt.
func (c *Context) AppendSystemAndTask(prompt, task, outputSchema string) {
	system := prompt
	if outputSchema != "" {
		system = fmt.Sprintf("%s\n\n<output_schema>\n%s\n</output_schema>", prompt, outputSchema)
	}
	c.append(schemas.Message{
		Role:  schemas.RoleSystem,
		Entry: schemas.EntryPreamble,
		Parts: []schemas.Part{schemas.TextPart(system)},
	})

	taskPart := schemas.TextPart(fmt.Sprintf("<user_request>\n%s\n</user_request>", task))
	taskPart.CacheBoundary = true
	c.append(schemas.Message{
		Role:  schemas.RoleUser,
		Entry: schemas.EntryTask,
		Parts: []schemas.Part{taskPart},
	})
}

// AppendPerception appends the current page state. The previous action's
// result, when present, leads the entry as a tool-result part; a human
// follow-up note is rendered into the state text.
func (c *Context) AppendPerception(step int, snapshot *schemas.PageSnapshot, previous *schemas.ToolResult, followUp string) {
	text := schemas.TextPart(RenderPerception(step, snapshot, followUp))
	text.CacheBoundary = true
	var parts []schemas.Part
	if previous != nil {
		parts = append(parts, schemas.Part{Kind: schemas.PartToolResult, ToolResult: previous})
	}
	parts = append(parts, text)
	if img := snapshot.Screenshot(); img != nil {
		parts = append(parts, schemas.ImagePart(*img))
	}
	c.append(schemas.Message{
		Role:  schemas.RoleUser,
		Entry: schemas.EntryPerception,
		Step:  step,
		Parts: parts,
	})
}

// AppendModelTurn records the model's decision for a step. The perception
// it answered is compacted first, so older steps do not keep carrying
// screenshots.
func (c *Context) AppendModelTurn(turn ModelTurn) {
	if i := c.lastIndexOf(schemas.EntryPerception); i >= 0 {
		c.messages[i] = compactPerception(c.messages[i])
	}

	var parts []schemas.Part
	if turn.Thinking != "" {
		parts = append(parts, schemas.ThinkingPart(turn.Thinking))
	}
	parts = append(parts, schemas.TextPart(fmt.Sprintf("<output_%d>%s</output_%d>", turn.Step, turn.Output, turn.Step)))
	c.append(schemas.Message{
		Role:  schemas.RoleAssistant,
		Entry: schemas.EntryModelTurn,
		Step:  turn.Step,
		Parts: parts,
	})

	if turn.Screenshot != nil {
		c.append(schemas.Message{
			Role:  schemas.RoleUser,
			Entry: schemas.EntryNote,
			Step:  turn.Step,
			Parts: []schemas.Part{
				schemas.TextPart(fmt.Sprintf("<step_%d_screenshot/>", turn.Step)),
				schemas.ImagePart(*turn.Screenshot),
			},
		})
	}
}

// Visible returns a copy of the log as the model should see it: only the
// most recent cache boundary stays active.
func (c *Context) Visible() []schemas.Message {
	out := make([]schemas.Message, len(c.messages))
	for i, m := range c.messages {
		out[i] = m.Clone()
	}

	seen := false
	for i := len(out) - 1; i >= 0; i-- {
		for j := len(out[i].Parts) - 1; j >= 0; j-- {
			p := &out[i].Parts[j]
			if !p.CacheBoundary {
				continue
			}
			if seen {
				p.CacheBoundary = false
			}
			seen = true
		}
	}
	return out
}

// AmendLast replaces the last entry with the result of fn.
func (c *Context) AmendLast(fn func(schemas.Message) schemas.Message) error {
	if len(c.messages) == 0 {
		return ErrEmpty
	}
	last := len(c.messages) - 1
	c.messages[last] = fn(c.messages[last].Clone())
	return nil
}

// RemoveLast drops the last entry and returns it. It is used to roll back a
// perception whose model call failed.
func (c *Context) RemoveLast() (schemas.Message, error) {
	if len(c.messages) == 0 {
		return schemas.Message{}, ErrEmpty
	}
	last := c.messages[len(c.messages)-1]
	c.messages = c.messages[:len(c.messages)-1]
	return last, nil
}

// Last returns a copy of the last entry.
func (c *Context) Last() (schemas.Message, bool) {
	if len(c.messages) == 0 {
		return schemas.Message{}, false
	}
	return c.messages[len(c.messages)-1].Clone(), true
}

// State exports the log as resumable run state.
func (c *Context) State(runID, task string, step int) schemas.AgentRunState {
	msgs := make([]schemas.Message, len(c.messages))
	for i, m := range c.messages {
		msgs[i] = m.Clone()
	}
	return schemas.AgentRunState{RunID: runID, Task: task, Step: step, Conversation: msgs}
}

// Restore replaces the log with a previously exported state.
func (c *Context) Restore(state schemas.AgentRunState) {
	c.messages = make([]schemas.Message, len(state.Conversation))
	for i, m := range state.Conversation {
		c.messages[i] = m.Clone()
	}
}

// Marshal serializes run state.
func Marshal(state schemas.AgentRunState) ([]byte, error) {
	return json.Marshal(state)
}

// Unmarshal parses run state produced by Marshal.
func Unmarshal(data []byte) (schemas.AgentRunState, error) {
	var state schemas.AgentRunState
	if err := json.Unmarshal(data, &state); err != nil {
		return schemas.AgentRunState{}, fmt.Errorf("decode run state: %w", err)
	}
	for i, m := range state.Conversation {
		for _, p := range m.Parts {
			if err := validatePart(p); err != nil {
				return schemas.AgentRunState{}, fmt.Errorf("message %d: %w", i, err)
			}
		}
	}
	return state, nil
}

func (c *Context) append(m schemas.Message) {
	c.messages = append(c.messages, m)
}

func (c *Context) lastIndexOf(kind schemas.EntryKind) int {
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].Entry == kind {
			return i
		}
	}
	return -1
}

// compactPerception keeps the tool result and the state text, dropping images.
func compactPerception(m schemas.Message) schemas.Message {
	kept := make([]schemas.Part, 0, 2)
	seenText := false
	for _, p := range m.Parts {
		switch p.Kind {
		case schemas.PartToolResult:
			kept = append(kept, p)
		case schemas.PartText:
			if !seenText {
				kept = append(kept, p)
				seenText = true
			}
		case schemas.PartImage, schemas.PartThinking:
		}
	}
	m.Parts = kept
	return m
}

func validatePart(p schemas.Part) error {
	switch p.Kind {
	case schemas.PartText, schemas.PartThinking:
		return nil
	case schemas.PartImage:
		if p.Image == nil {
			return errors.New("image part without image")
		}
		return nil
	case schemas.PartToolResult:
		if p.ToolResult == nil {
			return errors.New("tool result part without result")
		}
		return nil
	default:
		return fmt.Errorf("unknown part kind %q", p.Kind)
	}
}
