package schemas

// -- Conversation Schemas --

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartKind tags the variant stored in a Part.
type PartKind string

const (
	PartText       PartKind = "text"
	PartImage      PartKind = "image"
	PartToolResult PartKind = "tool_result"
	PartThinking   PartKind = "thinking"
)

// Part is one typed content block of a message. Exactly the field matching
// Kind is populated; consumers switch on Kind.
type Part struct {
	Kind PartKind `json:"kind"`
	// Text is set for PartText and PartThinking.
	Text string `json:"text,omitempty"`
	// CacheBoundary marks a text part as a provider cache breakpoint.
	CacheBoundary bool        `json:"cacheBoundary,omitempty"`
	Image         *Image      `json:"image,omitempty"`
	ToolResult    *ToolResult `json:"toolResult,omitempty"`
}

// ToolResult carries the outcome of an action back to the model.
type ToolResult struct {
	Action  string `json:"action"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TextPart builds a plain text part.
func TextPart(text string) Part { return Part{Kind: PartText, Text: text} }

// ImagePart builds an image part.
func ImagePart(img Image) Part { return Part{Kind: PartImage, Image: &img} }

// ThinkingPart builds a reasoning trace part.
func ThinkingPart(text string) Part { return Part{Kind: PartThinking, Text: text} }

// EntryKind records why a message was appended, so the conversation can
// apply its rewrite rules without inspecting content.
type EntryKind string

const (
	EntryPreamble   EntryKind = "preamble"
	EntryTask       EntryKind = "task"
	EntryPerception EntryKind = "perception"
	EntryModelTurn  EntryKind = "model_turn"
	EntryNote       EntryKind = "note"
)

// Message is one entry of the conversation.
type Message struct {
	Role  Role      `json:"role"`
	Entry EntryKind `json:"entry"`
	Step  int       `json:"step,omitempty"`
	Parts []Part    `json:"parts"`
}

// FirstText returns the first text part, or an empty string.
func (m Message) FirstText() string {
	for _, p := range m.Parts {
		if p.Kind == PartText {
			return p.Text
		}
	}
	return ""
}

// Clone deep copies the message so callers can mutate the result freely.
func (m Message) Clone() Message {
	out := m
	out.Parts = make([]Part, len(m.Parts))
	for i, p := range m.Parts {
		cp := p
		if p.Image != nil {
			img := *p.Image
			img.Data = append([]byte(nil), p.Image.Data...)
			cp.Image = &img
		}
		if p.ToolResult != nil {
			tr := *p.ToolResult
			cp.ToolResult = &tr
		}
		out.Parts[i] = cp
	}
	return out
}

// -- Action Schemas --

// ActionInvocation is the action the model chose for a step.
type ActionInvocation struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// ActionOutcome is what an action reports back to the loop.
type ActionOutcome struct {
	Done    bool   `json:"done"`
	Content any    `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
	Handoff bool   `json:"handoff,omitempty"`
}

// Failed reports whether the outcome carries an error.
func (o ActionOutcome) Failed() bool { return o.Error != "" }

// -- Run State --

// AgentRunState is the only persistable state of a run. Feeding it back into
// an agent resumes the run without repeating the preamble.
type AgentRunState struct {
	RunID        string    `json:"runId"`
	Task         string    `json:"task"`
	Step         int       `json:"step"`
	Conversation []Message `json:"conversation"`
}

// -- Model Schemas --

// CallOptions tunes a single model call.
type CallOptions struct {
	Temperature float32
	MaxTokens   int
	// ForceJSON asks providers that support it for a JSON only response.
	ForceJSON bool
}

// Usage reports token accounting for one call.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Add accumulates another call's usage.
func (u *Usage) Add(o Usage) {
	u.PromptTokens += o.PromptTokens
	u.CompletionTokens += o.CompletionTokens
	u.TotalTokens += o.TotalTokens
}

// ModelResponse is the model collaborator's answer.
type ModelResponse struct {
	Content  string
	Thinking string
	Usage    Usage
	Model    string
}
