// Package parser turns completion payloads into the next conversation turn:
// either a clarifying question or a final prompt.
package parser

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	"github.com/aixgo-dev/promptly/internal/llm/provider"
)

// Option list bounds.
const (
	MinOptions = 2
	MaxOptions = 6
)

// FallbackOptions pad option lists that are too short.
var FallbackOptions = []string{"Other", "Not sure"}

// Synthesized final prompts for payloads without text.
const (
	NoCandidatesText = "No response generated"
	NoPartsText      = "No content in response"
	EmptyText        = "Empty response"
)

// SelectionMethod tells the client how many options the user may pick.
type SelectionMethod string

const (
	SelectSingle  SelectionMethod = "single"
	SelectMulti   SelectionMethod = "multi"
	SelectRanking SelectionMethod = "ranking"
)

// Valid reports whether m is a known selection method.
func (m SelectionMethod) Valid() bool {
	return m == SelectSingle || m == SelectMulti || m == SelectRanking
}

// Turn is the parsed response: *QuestionTurn or *FinalTurn.
type Turn interface {
	turn()
}

// QuestionTurn is a clarifying question with normalized options.
type QuestionTurn struct {
	Question          string
	Options           []string
	SelectionMethod   SelectionMethod
	AllowCustomAnswer bool
}

// FinalTurn carries the refined prompt. Fallback is set when the payload
// was not a recognized structure and the text stands in as the prompt.
type FinalTurn struct {
	Prompt   string
	Fallback bool
}

func (*QuestionTurn) turn() {}
func (*FinalTurn) turn()    {}

// Render composes the stored content of a question node.
func (q *QuestionTurn) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\nOptions:\n", q.Question)
	for i, opt := range q.Options {
		fmt.Fprintf(&b, "%d. %s\n", i+1, opt)
	}
	fmt.Fprintf(&b, "Selection method: %s\n", q.SelectionMethod)
	custom := "no"
	if q.AllowCustomAnswer {
		custom = "yes"
	}
	fmt.Fprintf(&b, "Custom answer allowed: %s", custom)
	return b.String()
}

var fencePattern = regexp.MustCompile("(?s)^```(?:json|JSON)?\\s*\\n?(.*?)\\s*```$")

// Parser interprets completion results.
type Parser struct {
	logger *slog.Logger
}

// New creates a Parser. A nil logger uses slog.Default.
func New(logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{logger: logger}
}

// Parse interprets result with the default logger.
func Parse(result *provider.Result) Turn {
	return New(nil).Parse(result)
}

// Parse never fails: anything that is not a well-formed question or final
// prompt degrades to a FinalTurn.
func (p *Parser) Parse(result *provider.Result) Turn {
	switch {
	case result == nil || len(result.Candidates) == 0:
		return &FinalTurn{Prompt: NoCandidatesText, Fallback: true}
	case len(result.Candidates[0].Content.Parts) == 0:
		return &FinalTurn{Prompt: NoPartsText, Fallback: true}
	}

	text, _ := result.Text()
	text = strings.TrimSpace(text)
	if text == "" {
		return &FinalTurn{Prompt: EmptyText, Fallback: true}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(stripFence(text)), &fields); err != nil {
		p.logger.Debug("completion text is not a JSON object, using it as final prompt", "error", err)
		return &FinalTurn{Prompt: text, Fallback: true}
	}

	if q, ok := p.question(fields); ok {
		return q
	}

	var final string
	if raw, ok := fields["finalPrompt"]; ok && json.Unmarshal(raw, &final) == nil {
		if strings.TrimSpace(final) == "" {
			p.logger.Warn("completion returned an empty finalPrompt")
			return &FinalTurn{Prompt: EmptyText, Fallback: true}
		}
		return &FinalTurn{Prompt: final}
	}

	p.logger.Warn("completion JSON has neither question nor finalPrompt, using text as final prompt")
	return &FinalTurn{Prompt: text, Fallback: true}
}

func (p *Parser) question(fields map[string]json.RawMessage) (*QuestionTurn, bool) {
	rawQ, okQ := fields["question"]
	rawO, okO := fields["options"]
	if !okQ || !okO {
		return nil, false
	}

	var question string
	if err := json.Unmarshal(rawQ, &question); err != nil {
		return nil, false
	}
	var options []any
	if err := json.Unmarshal(rawO, &options); err != nil || options == nil {
		return nil, false
	}

	q := &QuestionTurn{
		Question:          question,
		Options:           normalizeOptions(options),
		SelectionMethod:   SelectSingle,
		AllowCustomAnswer: true,
	}

	if raw, ok := fields["selectionMethod"]; ok {
		var method string
		if err := json.Unmarshal(raw, &method); err == nil && SelectionMethod(method).Valid() {
			q.SelectionMethod = SelectionMethod(method)
		} else {
			p.logger.Warn("invalid selectionMethod, defaulting to single", "value", string(raw))
		}
	}

	if raw, ok := fields["allowCustomAnswer"]; ok {
		var allow bool
		if err := json.Unmarshal(raw, &allow); err == nil {
			q.AllowCustomAnswer = allow
		}
	}

	return q, true
}

// normalizeOptions keeps non-empty string entries and bounds the list to
// MinOptions..MaxOptions.
func normalizeOptions(raw []any) []string {
	options := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			options = append(options, s)
		}
	}

	if len(options) > MaxOptions {
		options = options[:MaxOptions]
	}
	for _, fb := range FallbackOptions {
		if len(options) >= MinOptions {
			break
		}
		if !slices.Contains(options, fb) {
			options = append(options, fb)
		}
	}
	return options
}

func stripFence(text string) string {
	if m := fencePattern.FindStringSubmatch(text); len(m) > 1 {
		return m[1]
	}
	return text
}
