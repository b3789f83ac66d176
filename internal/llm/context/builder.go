// Package context renders the bounded text context sent to the completion
// service: the session's starter prompt followed by the conversation so far.
package context

import (
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/aixgo-dev/promptly/pkg/session"
)

// Section labels and separators.
const (
	InitialContextHeader = "=== INITIAL USER CONTEXT ==="
	HistoryHeader        = "=== CONVERSATION HISTORY ==="

	// Marker ends any text cut short and stands in for history that did not fit.
	Marker = "…[truncated]"

	turnSeparator    = "\n\n"
	sectionSeparator = "\n\n"
)

// Turn is one rendered entry of the conversation.
type Turn struct {
	Role    session.Role
	Type    session.NodeType
	Content string
}

// String renders t as "[role:type] content".
func (t Turn) String() string {
	if t.Type == "" {
		return fmt.Sprintf("[%s] %s", t.Role, t.Content)
	}
	return fmt.Sprintf("[%s:%s] %s", t.Role, t.Type, t.Content)
}

// Unbounded disables the Build budget.
const Unbounded = -1

// Build renders the starter prompt and turns (oldest first) into at most
// maxChars characters. A negative maxChars disables the budget.
//
// Under budget pressure the initial context keeps up to a third of the
// budget and the history keeps the most recent whole turns that fit. A
// section whose header and marker do not fit is left out, so a zero budget
// yields an empty context.
func Build(turns []Turn, starterPrompt string, maxChars int) string {
	full := render(initialSection(starterPrompt), historyBodies(turns))
	if maxChars < 0 || runeLen(full) <= maxChars {
		return full
	}

	if len(turns) == 0 {
		return truncateSection(InitialContextHeader, starterPrompt, maxChars)
	}

	initial := initialSection(starterPrompt)
	if reserve := maxChars / 3; runeLen(initial) > reserve {
		initial = truncateSection(InitialContextHeader, starterPrompt, reserve)
	}

	remaining := maxChars - runeLen(HistoryHeader) - 1
	if initial != "" {
		remaining -= runeLen(initial) + runeLen(sectionSeparator)
	}

	// Walk back from the most recent turn, keeping whole turns only.
	var kept []string
	used := 0
	for i := len(turns) - 1; i >= 0; i-- {
		text := turns[i].String()
		cost := runeLen(text)
		if len(kept) > 0 {
			cost += runeLen(turnSeparator)
		}
		if used+cost > remaining {
			break
		}
		kept = append(kept, text)
		used += cost
	}
	if len(kept) == 0 {
		if remaining < runeLen(Marker) {
			return initial
		}
		kept = []string{Marker}
	}
	slices.Reverse(kept)

	return render(initial, kept)
}

func initialSection(starterPrompt string) string {
	if starterPrompt == "" {
		return ""
	}
	return InitialContextHeader + "\n" + starterPrompt
}

func historyBodies(turns []Turn) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = t.String()
	}
	return out
}

func render(initial string, history []string) string {
	var b strings.Builder
	if initial != "" {
		b.WriteString(initial)
	}
	if len(history) > 0 {
		if b.Len() > 0 {
			b.WriteString(sectionSeparator)
		}
		b.WriteString(HistoryHeader)
		b.WriteString("\n")
		b.WriteString(strings.Join(history, turnSeparator))
	}
	return b.String()
}

// truncateSection fits header, newline and body into limit characters,
// cutting body and appending Marker. It returns "" when header and marker
// alone exceed limit.
func truncateSection(header, body string, limit int) string {
	if body == "" {
		return ""
	}
	section := header + "\n" + body
	if runeLen(section) <= limit {
		return section
	}
	keep := limit - runeLen(header) - 1 - runeLen(Marker)
	if keep < 0 {
		return ""
	}
	return header + "\n" + prefixRunes(body, keep) + Marker
}

func prefixRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
