package agent

import (
	"fmt"
	"time"
)

// outputSchema describes the reply format. It is appended to the system prompt.
const outputSchema = `{
  "type": "object",
  "properties": {
    "thought": {"type": "string", "description": "Your reasoning about the current state."},
    "summary": {"type": "string", "description": "One short sentence describing what you are about to do."},
    "memory": {"type": "string", "description": "Facts worth remembering for later steps."},
    "action": {
      "type": "object",
      "properties": {
        "name": {"type": "string"},
        "params": {"type": "object"}
      },
      "required": ["name"]
    }
  },
  "required": ["thought", "summary", "action"]
}`

// systemPrompt briefs the model on its role, the reply format and the
// available actions.
func systemPrompt(catalog string, maxSteps int, now time.Time) string {
	return fmt.Sprintf(`You are a browser automation agent. You complete the user's request by operating a real web browser one action at a time.

Each step you receive:
- <browser_state>: the current URL, open tabs, scroll position and the interactive elements of the visible page, written as [index]<tag attributes>text</tag>.
- A screenshot of the viewport where every interactive element is outlined and labelled with its index.
- <tool_result action="...">: what happened after your last action. Failed actions start with "error:".
- <human_follow_up>: an additional instruction from the user, when they sent one.

Rules:
- Only use indexes that appear in the current <browser_state>. Indexes change after every action.
- If an action failed, read the error and try a different approach instead of repeating it.
- If content is below the fold, scroll. If a page is still loading, wait.
- If you are blocked by a captcha or a login you have no credentials for, use give_human_control.
- When the request is complete, or cannot be completed, call done with the final answer in "output".
- You have at most %d steps. The current time is %s.

Reply with exactly one JSON object wrapped in an <output_N> tag, where N is the step number shown in <browser_state>. Do not write anything outside the tag.

Available actions:
%s`, maxSteps, now.Format(time.RFC1123), catalog)
}
