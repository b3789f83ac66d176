package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/promptly/pkg/client"
	"github.com/aixgo-dev/promptly/pkg/session"
)

var chatFlags struct {
	server       string
	apiKey       string
	user         string
	title        string
	maxQuestions int
	targetModel  string
	tone         string
	wordLimit    int
	attach       []string
}

var chatCmd = &cobra.Command{
	Use:   "chat [starter prompt]",
	Short: "Refine a prompt interactively against a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		line := liner.NewLiner()
		defer line.Close()
		line.SetCtrlCAborts(true)

		c := client.New(chatFlags.server,
			client.WithAPIKey(chatFlags.apiKey),
			client.WithUserID(chatFlags.user),
		)
		return runChat(cmd.Context(), c, line, cmd.OutOrStdout(), strings.Join(args, " "))
	},
}

func init() {
	f := chatCmd.Flags()
	f.StringVar(&chatFlags.server, "server", envOr("PROMPTLY_URL", "http://localhost:8080"), "API base URL")
	f.StringVar(&chatFlags.apiKey, "api-key", os.Getenv("PROMPTLY_API_KEY"), "API key sent as a Bearer token")
	f.StringVar(&chatFlags.user, "user", os.Getenv("PROMPTLY_USER"), "user id for servers without auth")
	f.StringVar(&chatFlags.title, "title", "", "session title")
	f.IntVar(&chatFlags.maxQuestions, "max-questions", 5, "maximum clarifying questions (1-20)")
	f.StringVar(&chatFlags.targetModel, "target-model", "gpt-4", "model the final prompt is written for")
	f.StringVar(&chatFlags.tone, "tone", "", "tone of the final prompt")
	f.IntVar(&chatFlags.wordLimit, "word-limit", 0, "word limit of the final prompt")
	f.StringSliceVar(&chatFlags.attach, "attach", nil, "files to upload and attach to the session")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// prompter reads one line of input. *liner.State satisfies it.
type prompter interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
}

var errQuit = errors.New("quit")

func readLine(p prompter, prompt string) (string, error) {
	text, err := p.Prompt(prompt)
	if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
		return "", errQuit
	}
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text != "" {
		p.AppendHistory(text)
	}
	return text, nil
}

func runChat(ctx context.Context, c *client.Client, p prompter, out io.Writer, starter string) error {
	var err error
	for starter == "" {
		if starter, err = readLine(p, "What do you want a prompt for? "); err != nil {
			return quitOK(err)
		}
	}

	created, err := c.CreateSession(ctx, client.CreateSessionRequest{
		Title:         chatFlags.title,
		StarterPrompt: starter,
		MaxQuestions:  chatFlags.maxQuestions,
		TargetModel:   chatFlags.targetModel,
		Settings:      session.Settings{Tone: chatFlags.tone, WordLimit: chatFlags.wordLimit},
	})
	if err != nil {
		return err
	}
	sessionID := created.Session.ID
	fmt.Fprintf(out, "Session %s\n", sessionID)

	for _, path := range chatFlags.attach {
		if err := attach(ctx, c, sessionID, path); err != nil {
			return err
		}
		fmt.Fprintf(out, "Attached %s\n", filepath.Base(path))
	}

	turn := &created.Turn
	for !turn.Final() {
		printQuestion(out, turn)

		var answer client.Answer
		for {
			text, err := readLine(p, "> ")
			if err != nil {
				return quitOK(err)
			}
			if answer, err = parseAnswer(text, turn); err == nil {
				break
			}
			fmt.Fprintln(out, err)
		}

		next, err := c.Answer(ctx, sessionID, answer)
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Stopped() {
			fmt.Fprintf(out, "Session ended: %s\n", apiErr.Reason)
			return nil
		}
		if err != nil {
			return err
		}
		turn = next
	}

	fmt.Fprintf(out, "\nFinal prompt:\n\n%s\n", turn.FinalPrompt)
	return nil
}

func quitOK(err error) error {
	if errors.Is(err, errQuit) {
		return nil
	}
	return err
}

func attach(ctx context.Context, c *client.Client, sessionID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if _, err := c.Upload(ctx, sessionID, filepath.Base(path), contentType, f); err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	return nil
}

func printQuestion(w io.Writer, t *client.Turn) {
	fmt.Fprintf(w, "\n%s\n", t.Question)
	for i, opt := range t.Options {
		fmt.Fprintf(w, "  %d. %s\n", i+1, opt)
	}
	switch t.SelectionMethod {
	case "multi":
		fmt.Fprintln(w, "Pick one or more numbers, e.g. 1,3.")
	case "ranking":
		fmt.Fprintln(w, "Rank the options by listing all numbers in order, e.g. 2,1,3.")
	default:
		fmt.Fprintln(w, "Pick a number.")
	}
	if t.CustomAllowed() {
		fmt.Fprintln(w, "Or type your own answer. /cancel ends the session.")
	} else {
		fmt.Fprintln(w, "/cancel ends the session.")
	}
}

// parseAnswer turns a line of input into an answer to t.
func parseAnswer(text string, t *client.Turn) (client.Answer, error) {
	answer := client.Answer{NodeID: t.NodeID}
	if text == "" {
		return answer, errors.New("an answer is required")
	}
	if text == "/cancel" {
		answer.Cancel = true
		answer.Selected = []string{"cancel"}
		return answer, nil
	}

	picks, ok := parsePicks(text, len(t.Options))
	if !ok {
		if !t.CustomAllowed() {
			return answer, fmt.Errorf("enter option numbers between 1 and %d", len(t.Options))
		}
		answer.Selected = []string{text}
		answer.IsCustomAnswer = true
		return answer, nil
	}

	switch t.SelectionMethod {
	case "multi", "ranking":
	default:
		if len(picks) != 1 {
			return answer, errors.New("pick exactly one option")
		}
	}
	if t.SelectionMethod == "ranking" && len(picks) != len(t.Options) {
		return answer, fmt.Errorf("rank all %d options", len(t.Options))
	}
	for _, i := range picks {
		answer.Selected = append(answer.Selected, t.Options[i])
	}
	return answer, nil
}

// parsePicks reads comma or space separated 1-based option numbers. It
// reports false when text is not such a list.
func parsePicks(text string, n int) ([]int, bool) {
	fields := strings.FieldsFunc(text, func(r rune) bool { return r == ',' || r == ' ' })
	if len(fields) == 0 {
		return nil, false
	}
	seen := make(map[int]bool, len(fields))
	picks := make([]int, 0, len(fields))
	for _, f := range fields {
		i, err := strconv.Atoi(f)
		if err != nil || i < 1 || i > n || seen[i] {
			return nil, false
		}
		seen[i] = true
		picks = append(picks, i-1)
	}
	return picks, true
}
