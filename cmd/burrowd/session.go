package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/brendanlong/clawed-burrow-sub001/pkg/bus"
	"github.com/brendanlong/clawed-burrow-sub001/pkg/orchestrator"
	"github.com/brendanlong/clawed-burrow-sub001/pkg/protocol"
	"github.com/brendanlong/clawed-burrow-sub001/pkg/redact"
	"github.com/brendanlong/clawed-burrow-sub001/pkg/session"
	"github.com/brendanlong/clawed-burrow-sub001/pkg/store"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage assistant sessions",
}

var (
	createRepo   string
	createBranch string
	createPrompt string
)

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new session",
	Long: `Create a session: a host workspace directory, a container with the
workspace bind-mounted, and a clone of the repository inside it. With
--prompt the first turn starts as soon as the session is running.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		sess, err := a.orch.CreateSession(cmd.Context(), orchestrator.CreateRequest{
			RepoURL:       createRepo,
			Branch:        createBranch,
			InitialPrompt: createPrompt,
		})
		if err != nil {
			return err
		}
		fmt.Printf("created session %s (%s @ %s)\n", sess.ID, sess.RepoURL, sess.Branch)
		return nil
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		sessions, err := a.orch.ListSessions(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tREPO\tBRANCH\tCREATED")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				s.ID, s.Status, s.RepoURL, s.Branch, s.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var sessionStartCmd = &cobra.Command{
	Use:   "start <session-id>",
	Short: "Start a stopped session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.orch.StartSession(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("session %s running\n", args[0])
		return nil
	},
}

var sessionStopCmd = &cobra.Command{
	Use:   "stop <session-id>",
	Short: "Stop a running session",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.orch.StopSession(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("session %s stopped\n", args[0])
		return nil
	},
	Args: cobra.ExactArgs(1),
}

var sessionArchiveCmd = &cobra.Command{
	Use:   "archive <session-id>",
	Short: "Archive a session, removing its container and workspace",
	Long: `Archive a session. The container and workspace are removed; the
message history stays in the database. Archiving is terminal.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.orch.ArchiveSession(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("session %s archived\n", args[0])
		return nil
	},
}

var sessionSendCmd = &cobra.Command{
	Use:   "send <session-id> <prompt>",
	Short: "Send a prompt and stream the turn",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()
		id := args[0]

		messages := a.orch.SubscribeMessages(ctx, id)
		defer messages.Close()
		running := a.orch.SubscribeRunning(ctx, id)
		defer running.Close()

		if err := a.orch.Send(ctx, id, args[1]); err != nil {
			return err
		}

		for {
			select {
			case ev := <-messages.C:
				ma, ok := ev.(bus.MessageAppended)
				if !ok {
					continue
				}
				printMessage(ma.Message)
			case ev := <-running.C:
				if rc, ok := ev.(bus.RunningChanged); ok && !rc.Running {
					return nil
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	},
}

// printMessage renders one protocol message for the terminal.
func printMessage(msg session.Message) {
	v := protocol.Classify(msg.Content)
	switch t := v.(type) {
	case protocol.UserPrompt:
		fmt.Printf("> %s\n", t.Text)
	case protocol.Assistant:
		if text := t.Text(); text != "" {
			fmt.Println(text)
		}
		for _, use := range t.ToolUses() {
			fmt.Printf("[tool: %s]\n", use.ToolName)
		}
	case protocol.Result:
		status := "done"
		if t.IsError {
			status = "error"
		}
		fmt.Printf("[%s in %s, %d turns, $%.4f]\n",
			status, (time.Duration(t.DurationMS) * time.Millisecond).Round(time.Millisecond),
			t.NumTurns, t.TotalCostUSD)
	case protocol.SystemError:
		fmt.Printf("[error: %s]\n", t.Message)
	}
	if msg.Interrupted {
		fmt.Println("[interrupted]")
	}
}

var sessionInterruptCmd = &cobra.Command{
	Use:   "interrupt <session-id>",
	Short: "Interrupt the session's in-flight turn",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		interrupted, err := a.orch.Interrupt(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !interrupted {
			fmt.Println("no turn in flight")
			return nil
		}
		fmt.Println("turn interrupted")
		return nil
	},
}

var (
	historyLimit  int
	historyBefore int64
)

var sessionHistoryCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "Show the session's message history",
	Long: `Show one page of the session's message history, most recent page by
default. Pass --before with a sequence number to page backward.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		q := store.HistoryQuery{Direction: store.DirectionBackward, Limit: historyLimit}
		if historyBefore > 0 {
			cursor := historyBefore
			q.Cursor = &cursor
		}
		page, err := a.orch.History(cmd.Context(), args[0], q)
		if err != nil {
			return err
		}
		for _, msg := range page.Messages {
			fmt.Printf("#%d [%s] ", msg.Sequence, msg.Type)
			printMessage(msg)
		}
		if page.HasMore && page.NextCursor != nil {
			fmt.Printf("(more: --before %d)\n", *page.NextCursor)
		}
		return nil
	},
}

var logsTail int

var sessionLogsCmd = &cobra.Command{
	Use:   "logs <session-id>",
	Short: "Show the session container's output",
	Long: `Show the tail of the session container's stdout and stderr. Values
of configured secret environment variables and recognizable credential
tokens are redacted before printing.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		out, err := a.orch.Logs(cmd.Context(), args[0], logsTail)
		if err != nil {
			return err
		}
		r := redact.FromEnvVars(a.cfg.Settings.EnvVars)
		for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
			fmt.Println(r.Redact(line))
		}
		return nil
	},
}

func init() {
	sessionCreateCmd.Flags().StringVar(&createRepo, "repo", "", "Repository URL to clone (required)")
	sessionCreateCmd.Flags().StringVar(&createBranch, "branch", "", "Branch to clone (default main)")
	sessionCreateCmd.Flags().StringVar(&createPrompt, "prompt", "", "Initial prompt to send once running")
	_ = sessionCreateCmd.MarkFlagRequired("repo")

	sessionHistoryCmd.Flags().IntVar(&historyLimit, "limit", 0, "Messages per page (default 100)")
	sessionHistoryCmd.Flags().Int64Var(&historyBefore, "before", 0, "Page backward from this sequence number")

	sessionLogsCmd.Flags().IntVar(&logsTail, "tail", 200, "Number of log lines to show")

	sessionCmd.AddCommand(
		sessionCreateCmd,
		sessionListCmd,
		sessionStartCmd,
		sessionStopCmd,
		sessionArchiveCmd,
		sessionSendCmd,
		sessionInterruptCmd,
		sessionHistoryCmd,
		sessionLogsCmd,
	)
	rootCmd.AddCommand(sessionCmd)
}
