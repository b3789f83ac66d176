// Package prompt composes the instruction sent to the completion service on
// every turn.
package prompt

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/aixgo-dev/promptly/pkg/session"
)

// Request carries everything the instruction is built from.
type Request struct {
	TargetModel string
	Tone        string
	WordLimit   int
	Sources     []session.ContextSource
	// Remaining is the number of questions still allowed, counting this turn.
	Remaining int
	// Context is the rendered starter prompt and conversation.
	Context string
}

const responseFormat = `Respond with JSON only, no prose, in one of two shapes:
{"question":"...","options":["...","..."],"selectionMethod":"single|multi|ranking","allowCustomAnswer":true}
{"finalPrompt":"..."}
Give 2 to 6 short options.`

// Bounds on the user-supplied lines of the header.
const (
	MaxToneChars    = 100
	MaxSourcesChars = 300
)

// Instruction renders the full prompt for req.
func Instruction(req Request) string {
	var sb strings.Builder
	sb.WriteString(header(req))
	sb.WriteString(req.Context)
	return sb.String()
}

// ContextBudget is how many characters of context fit alongside the rest of
// the instruction without exceeding limit. It never returns less than zero.
func ContextBudget(req Request, limit int) int {
	req.Context = ""
	n := limit - utf8.RuneCountInString(header(req))
	if n < 0 {
		return 0
	}
	return n
}

// header renders everything but the context. The fixed lines and the
// response format come first so an oversized header never pushes them out.
func header(req Request) string {
	var sb strings.Builder
	sb.WriteString("You help a user refine a prompt")
	if req.TargetModel != "" {
		fmt.Fprintf(&sb, " for %s", req.TargetModel)
	}
	sb.WriteString(". Ask one clarifying question at a time, or produce the final prompt when you know enough.\n")

	if req.Remaining <= 1 {
		sb.WriteString("This is the last question allowed; prefer producing the final prompt.\n")
	} else {
		fmt.Fprintf(&sb, "At most %d more questions may be asked.\n", req.Remaining)
	}
	sb.WriteString(responseFormat)
	sb.WriteString("\n")

	if req.Tone != "" {
		fmt.Fprintf(&sb, "Tone of the final prompt: %s.\n", clip(req.Tone, MaxToneChars))
	}
	if req.WordLimit > 0 {
		fmt.Fprintf(&sb, "Final prompt length: at most %d words.\n", req.WordLimit)
	}
	if len(req.Sources) > 0 {
		names := make([]string, 0, len(req.Sources))
		for _, src := range req.Sources {
			names = append(names, src.Filename)
		}
		fmt.Fprintf(&sb, "Reference files attached by the user: %s.\n", clip(strings.Join(names, ", "), MaxSourcesChars))
	}
	sb.WriteString("\n")
	return sb.String()
}

// clip cuts s to n runes, ending it with an ellipsis when cut.
func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}
