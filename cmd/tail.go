package cmd

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/zjrosen/pont/internal/log"
	"github.com/zjrosen/pont/internal/ui/markdown"
	"github.com/zjrosen/pont/internal/ui/tail"
)

var tailCmd = &cobra.Command{
	Use:   "tail <threadID>",
	Short: "Follow a thread's event stream in the terminal",
	Long: `Connect to a running gateway and render one thread's live event
feed: turn lifecycle, streamed assistant output, command and tool rows,
and pending approval or user-input requests.

Example:
  pont tail th-0196f                          # replay then follow
  pont tail th-0196f --since 250              # skip the first 250 events
  pont tail th-0196f --addr http://127.0.0.1:7668`,
	Args: cobra.ExactArgs(1),
	RunE: runTail,
}

var (
	tailAddr  string
	tailSince int64
)

func init() {
	rootCmd.AddCommand(tailCmd)

	tailCmd.Flags().StringVar(&tailAddr, "addr", "",
		"gateway base URL (default: the configured host:port)")
	tailCmd.Flags().Int64Var(&tailSince, "since", 0,
		"replay events with sequence greater than this (0 replays everything)")
}

func runTail(_ *cobra.Command, args []string) error {
	// The alternate screen swallows stderr, so debug output goes to a file.
	if os.Getenv("PONT_DEBUG") != "" {
		logPath := os.Getenv("PONT_LOG")
		if logPath == "" {
			logPath = "debug.log"
		}
		cleanup, err := log.InitWithTeaLog(logPath, "pont-tail")
		if err != nil {
			return fmt.Errorf("initializing logging: %w", err)
		}
		defer cleanup()
	}

	base := tailAddr
	if base == "" {
		base = "http://" + cfg.Addr()
	}

	m := tail.New(tail.Config{
		Client: &tail.Client{BaseURL: base, ThreadID: args[0]},
		Style:  markdown.DetectStyle(),
		Since:  tailSince,
	})

	p := tea.NewProgram(
		m,
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("running tail console: %w", err)
	}
	return nil
}
