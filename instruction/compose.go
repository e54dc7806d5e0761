package instruction

import "strings"

// FormattingGuidance is appended to instructions that do not already talk
// about markdown.
const FormattingGuidance = `OUTPUT FORMAT REQUIREMENT

Synthesize the consultation into well-structured markdown responses.

Required formatting:
- **Bold** for supplement names, dosages, base mix types and key terms
- Bullet lists for ingredient lists, benefits and recommendations
- Numbered lists for sequential consultation steps
- Headers (## for main sections, ### for subsections) to organize content
- ` + "`code-style formatting`" + ` for precise measurements (e.g. ` + "`500mg`" + `, ` + "`2x daily`" + `)
`

// FirstMessageHint is prepended to the first user message of a session on the
// copy sent to the provider. It is never stored in history.
const FirstMessageHint = "[SYSTEM INSTRUCTION: Always format your responses using markdown syntax (use **bold** for important terms like supplement names, use bullet lists for recommendations, use numbered lists for steps, use headers for sections). Stay warm and conversational, but structure your responses with markdown. This makes your responses clearer and more professional.]\n\n"

// Compose returns the final system text for a snapshot.
func Compose(text string) string {
	if strings.Contains(strings.ToLower(text), "markdown") {
		return text
	}
	return strings.TrimRight(text, "\n") + "\n\n" + FormattingGuidance
}
