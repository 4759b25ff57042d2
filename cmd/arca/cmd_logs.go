package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"arca/cmd/arca/ui"
	"arca/internal/sse"
	"arca/internal/store"
)

var (
	logsFollow   bool
	logsTail     int
	historyLimit int
	historyLogs  int
)

// logsCmd prints and follows the log stream of a job
var logsCmd = &cobra.Command{
	Use:   "logs JOB",
	Short: "Show the pipeline log of a job",
	Long: `Prints the most recent cached log lines of a job. With --follow the
live log stream is consumed and printed until the server ends it or the
reconnect budget is exhausted. Followed lines are cached locally.

Examples:
  arca logs job_123 --tail 50
  arca logs job_123 --follow`,
	Args: cobra.ExactArgs(1),
	RunE: runLogs,
}

// historyCmd shows cached jobs
var historyCmd = &cobra.Command{
	Use:   "history [JOB]",
	Short: "Show jobs and logs from the local cache",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

// pruneCmd drops old cache rows
var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete cached jobs and log lines older than store.retain_for",
	Args:  cobra.NoArgs,
	RunE:  runPrune,
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Stream new lines as they arrive")
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 20, "Cached lines to print first (0 for none)")

	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of jobs")
	historyCmd.Flags().IntVar(&historyLogs, "logs", 20, "Cached log lines to print for a job")

	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(pruneCmd)
}

// lineWriter prints log entries. The consumer calls it from its own goroutine.
type lineWriter struct {
	mu     sync.Mutex
	out    io.Writer
	styles ui.Styles
}

func (w *lineWriter) write(e sse.Entry) {
	ts := e.Time
	if ts.IsZero() {
		ts = e.Received
	}
	var sb strings.Builder
	sb.WriteString(ts.Local().Format("15:04:05"))
	sb.WriteString(" ")
	sb.WriteString(w.styles.Level(e.Level).Render(fmt.Sprintf("%-7s", strings.ToUpper(e.Level))))
	sb.WriteString(" ")
	if e.Stage != "" {
		sb.WriteString("[" + e.Stage + "] ")
	}
	sb.WriteString(e.Message)

	w.mu.Lock()
	fmt.Fprintln(w.out, sb.String())
	w.mu.Unlock()
}

func (w *lineWriter) notice(format string, args ...interface{}) {
	w.mu.Lock()
	fmt.Fprintln(w.out, w.styles.Muted.Render(fmt.Sprintf(format, args...)))
	w.mu.Unlock()
}

func runLogs(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	out := cmd.OutOrStdout()
	w := &lineWriter{out: out, styles: cliStyles()}

	st := openStore()
	if st != nil {
		defer st.Close()
	}

	if logsTail > 0 {
		if st == nil {
			if !logsFollow {
				return fmt.Errorf("no local cache: enable store or use --follow")
			}
		} else if err := printCached(w, st, jobID, logsTail); err != nil {
			return err
		}
	}
	if !logsFollow {
		return nil
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()
	return followLogs(ctx, w, newConsumer(client, jobID, st, sse.ObserverFuncs{
		Entry: w.write,
		State: func(c sse.StateChange) {
			if c.To == sse.StateDisconnected && c.Err != nil {
				w.notice("stream lost (%v), retrying in %v", c.Err, c.Delay.Round(time.Millisecond))
			}
		},
	}))
}

// followLogs runs the consumer until the stream ends, fails, or ctx is cancelled.
func followLogs(ctx context.Context, w *lineWriter, c *sse.Consumer) error {
	defer c.Close()

	err := c.Run(ctx)
	stats := c.Stats()
	logger.Debug("log stream finished",
		zap.String("url", c.URL()),
		zap.Int("connects", stats.Connects),
		zap.Uint64("received", stats.Received),
		zap.Error(err))

	switch {
	case err == nil:
		w.notice("stream ended (%d lines)", stats.Received)
		return nil
	case errors.Is(err, context.Canceled):
		w.notice("interrupted")
		return nil
	default:
		return fmt.Errorf("log stream: %w", err)
	}
}

// printCached prints up to n cached lines, oldest first.
func printCached(w *lineWriter, st *store.Store, jobID string, n int) error {
	entries, err := st.Entries(jobID, n)
	if err != nil {
		return fmt.Errorf("read cached logs: %w", err)
	}
	if len(entries) == 0 {
		w.notice("no cached lines for %s", jobID)
		return nil
	}
	for i := len(entries) - 1; i >= 0; i-- {
		w.write(entries[i])
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	st := openStore()
	if st == nil {
		return fmt.Errorf("local cache disabled")
	}
	defer st.Close()

	out := cmd.OutOrStdout()
	styles := cliStyles()

	if len(args) == 1 {
		job, err := st.Job(args[0])
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("job %s is not in the cache", args[0])
			}
			return err
		}
		printJob(out, job)
		n, err := st.CountEntries(job.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\n%d cached log lines\n", n)
		if historyLogs > 0 && n > 0 {
			return printCached(&lineWriter{out: out, styles: styles}, st, job.ID, historyLogs)
		}
		return nil
	}

	snaps, err := st.Jobs(historyLimit)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		fmt.Fprintln(out, "Cache is empty.")
		return nil
	}
	t := ui.NewSimpleTable("", []string{"ID", "File", "Status", "Stage", "Progress", "Cached"})
	for _, s := range snaps {
		t.AddRow(s.ID, orDash(s.Filename), styles.JobStatus(s.Status), orDash(s.Stage),
			fmt.Sprintf("%3.0f%%", s.Progress*100), s.CachedAt.Local().Format("2006-01-02 15:04"))
	}
	fmt.Fprint(out, t.View(styles))
	return nil
}

func runPrune(cmd *cobra.Command, args []string) error {
	st := openStore()
	if st == nil {
		return fmt.Errorf("local cache disabled")
	}
	defer st.Close()

	retain := cfg.GetStoreRetention()
	stats, err := st.Prune(retain)
	if err != nil {
		return err
	}
	logger.Info("cache pruned", zap.Duration("retain", retain), zap.Int64("entries", stats.Entries), zap.Int64("jobs", stats.Jobs))
	fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d log lines and %d jobs older than %v\n", stats.Entries, stats.Jobs, retain)
	return nil
}
