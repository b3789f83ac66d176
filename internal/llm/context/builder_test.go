package context

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/promptly/pkg/session"
)

func sampleTurns() []Turn {
	return []Turn{
		{Role: session.RoleAssistant, Type: session.NodeQuestion, Content: "Who is the audience?"},
		{Role: session.RoleUser, Type: session.NodeAnswer, Content: "Developers"},
		{Role: session.RoleAssistant, Type: session.NodeQuestion, Content: "What tone?"},
		{Role: session.RoleUser, Type: session.NodeCustomAnswer, Content: "Playful but precise"},
	}
}

func TestBuild_Unlimited(t *testing.T) {
	got := Build(sampleTurns(), "Write a README", Unbounded)

	want := InitialContextHeader + "\nWrite a README\n\n" + HistoryHeader + "\n" +
		"[assistant:question] Who is the audience?\n\n" +
		"[user:answer] Developers\n\n" +
		"[assistant:question] What tone?\n\n" +
		"[user:custom_answer] Playful but precise"
	assert.Equal(t, want, got)
}

func TestBuild_Ordering(t *testing.T) {
	turns := []Turn{
		{Role: session.RoleAssistant, Type: session.NodeQuestion, Content: "a-turn"},
		{Role: session.RoleUser, Type: session.NodeAnswer, Content: "b-turn"},
		{Role: session.RoleAssistant, Type: session.NodeQuestion, Content: "c-turn"},
	}
	got := Build(turns, "root prompt", 1_000_000)

	positions := []int{
		strings.Index(got, InitialContextHeader),
		strings.Index(got, "a-turn"),
		strings.Index(got, "b-turn"),
		strings.Index(got, "c-turn"),
	}
	for i := 1; i < len(positions); i++ {
		require.GreaterOrEqual(t, positions[i-1], 0)
		assert.Less(t, positions[i-1], positions[i], "section %d out of order", i)
	}
}

func TestBuild_NoStarterPrompt(t *testing.T) {
	got := Build(sampleTurns()[:1], "", Unbounded)
	assert.NotContains(t, got, InitialContextHeader)
	assert.True(t, strings.HasPrefix(got, HistoryHeader))
}

func TestBuild_EmptyHistory(t *testing.T) {
	assert.Equal(t, InitialContextHeader+"\nhello", Build(nil, "hello", Unbounded))
	assert.Equal(t, "", Build(nil, "", 100))
}

func TestBuild_KeepsRecentWholeTurns(t *testing.T) {
	var turns []Turn
	for i := range 20 {
		turns = append(turns, Turn{Role: session.RoleUser, Type: session.NodeAnswer, Content: fmt.Sprintf("turn-%02d %s", i, strings.Repeat("x", 40))})
	}

	got := Build(turns, "starter", 300)
	assert.LessOrEqual(t, utf8.RuneCountInString(got), 300)
	assert.Contains(t, got, InitialContextHeader)
	assert.Contains(t, got, HistoryHeader)
	assert.Contains(t, got, "turn-19", "most recent turn must survive")
	assert.NotContains(t, got, "turn-00")

	// Every kept turn is complete.
	history := got[strings.Index(got, HistoryHeader)+len(HistoryHeader)+1:]
	for _, entry := range strings.Split(history, "\n\n") {
		assert.True(t, strings.HasSuffix(entry, strings.Repeat("x", 40)), "partial turn %q", entry)
	}
}

func TestBuild_TruncatesInitialContext(t *testing.T) {
	starter := strings.Repeat("s", 1000)
	turns := sampleTurns()

	got := Build(turns, starter, 600)
	assert.LessOrEqual(t, utf8.RuneCountInString(got), 600)

	initial := got[:strings.Index(got, HistoryHeader)]
	assert.LessOrEqual(t, utf8.RuneCountInString(strings.TrimRight(initial, "\n")), 200)
	assert.Contains(t, initial, Marker)
	assert.Contains(t, got, "[user:custom_answer] Playful but precise")
}

func TestBuild_NothingFits(t *testing.T) {
	turns := []Turn{{Role: session.RoleUser, Type: session.NodeAnswer, Content: strings.Repeat("y", 500)}}

	got := Build(turns, "short", 120)
	assert.Contains(t, got, HistoryHeader+"\n"+Marker)
	assert.NotContains(t, got, "yyy")
	assert.LessOrEqual(t, utf8.RuneCountInString(got), 120)
}

func TestBuild_ZeroBudget(t *testing.T) {
	assert.Equal(t, "", Build(sampleTurns(), "Write a README", 0))
	assert.Equal(t, "", Build(nil, "Write a README", 0))
}

func TestBuild_TinyBudgetDropsSections(t *testing.T) {
	got := Build(sampleTurns(), strings.Repeat("s", 500), 30)
	assert.LessOrEqual(t, utf8.RuneCountInString(got), 30)
	assert.NotContains(t, got, InitialContextHeader)

	// A third of 130 holds the header, two characters and the marker.
	got = Build(sampleTurns(), strings.Repeat("s", 500), 130)
	assert.LessOrEqual(t, utf8.RuneCountInString(got), 130)
	assert.Contains(t, got, InitialContextHeader)
}

func TestBuild_BudgetProperty(t *testing.T) {
	turns := sampleTurns()
	for i := range 10 {
		turns = append(turns, Turn{Role: session.RoleUser, Type: session.NodeAnswer, Content: strings.Repeat("é", i*17)})
	}
	starters := []string{"", "short", strings.Repeat("p", 700)}

	for _, starter := range starters {
		for budget := 0; budget <= 1500; budget += 7 {
			got := Build(turns, starter, budget)
			assert.LessOrEqual(t, utf8.RuneCountInString(got), budget,
				"budget %d starter %d", budget, len(starter))
			assert.Equal(t, got, Build(turns, starter, budget), "must be deterministic")
		}
	}
}

func TestTurnString(t *testing.T) {
	assert.Equal(t, "[user] hi", Turn{Role: session.RoleUser, Content: "hi"}.String())
	assert.Equal(t, "[assistant:final] done", Turn{Role: session.RoleAssistant, Type: session.NodeFinal, Content: "done"}.String())
}
