package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"arca/cmd/arca/ui"
	"arca/internal/api"
	"arca/internal/poller"
	"arca/internal/store"
)

var (
	uploadStart      bool
	uploadWait       bool
	uploadSkipVision bool
	uploadStages     []string
	jobsStatus       string
	jobsLimit        int
	statusWait       bool
)

// healthCmd checks the backend
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the pipeline backend is reachable",
	Args:  cobra.NoArgs,
	RunE:  runHealth,
}

// uploadCmd uploads a client spreadsheet
var uploadCmd = &cobra.Command{
	Use:   "upload FILE",
	Short: "Upload a client spreadsheet (xlsx or csv)",
	Long: `Uploads a spreadsheet of clients to the pipeline backend.

With --start a processing job is created for the upload right away, and
with --wait the command blocks until that job finishes.

Example:
  arca upload clients.xlsx --start --wait`,
	Args: cobra.ExactArgs(1),
	RunE: runUpload,
}

// jobsCmd lists jobs
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List pipeline jobs",
	Args:  cobra.NoArgs,
	RunE:  runJobs,
}

// statusCmd shows one job
var statusCmd = &cobra.Command{
	Use:   "status JOB",
	Short: "Show the status of a job, per stage",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

// cancelCmd cancels a job
var cancelCmd = &cobra.Command{
	Use:   "cancel JOB",
	Short: "Cancel a running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func init() {
	uploadCmd.Flags().BoolVar(&uploadStart, "start", false, "Start a processing job for the upload")
	uploadCmd.Flags().BoolVar(&uploadWait, "wait", false, "Wait for the started job to finish (implies --start)")
	uploadCmd.Flags().BoolVar(&uploadSkipVision, "skip-vision", false, "Skip the AI vision stage")
	uploadCmd.Flags().StringSliceVar(&uploadStages, "stage", nil, "Run only these stages (repeatable)")

	jobsCmd.Flags().StringVar(&jobsStatus, "status", "", "Only jobs with this status")
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 20, "Maximum number of jobs")

	statusCmd.Flags().BoolVar(&statusWait, "wait", false, "Poll until the job finishes")

	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
}

func cliStyles() ui.Styles {
	return ui.NewStyles(ui.ThemeByName(cfg.UI.Theme))
}

func runHealth(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd.Context())
	defer cancel()

	h, err := client.Health(ctx)
	if err != nil {
		return fmt.Errorf("backend %s unreachable: %w", client.BaseURL(), err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s  %s (version %s, %d queued)\n", client.BaseURL(), h.Status, orDash(h.Version), h.QueueDepth)
	for _, name := range sortedKeys(h.Components) {
		fmt.Fprintf(out, "  %-12s %s\n", name, h.Components[name])
	}
	if !h.OK() {
		return fmt.Errorf("backend reports %s", h.Status)
	}
	return nil
}

func runUpload(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	path := args[0]
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	parent, stop := signalContext()
	defer stop()

	out := cmd.OutOrStdout()
	upCtx, cancel := requestContext(parent)
	up, err := client.Upload(upCtx, filepath.Base(path), f)
	cancel()
	if err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	logger.Info("uploaded", zap.String("upload_id", up.ID), zap.Int("rows", up.Rows))
	fmt.Fprintf(out, "Uploaded %s as %s (%d rows)\n", up.Filename, up.ID, up.Rows)

	if !uploadStart && !uploadWait {
		return nil
	}

	jobCtx, cancel := requestContext(parent)
	job, err := client.StartJob(jobCtx, up.ID, api.JobOptions{Stages: uploadStages, SkipVision: uploadSkipVision})
	cancel()
	if err != nil {
		return fmt.Errorf("start job for upload %s: %w", up.ID, err)
	}
	fmt.Fprintf(out, "Started job %s\n", job.ID)

	st := openStore()
	if st != nil {
		defer st.Close()
		cacheJob(st, job)
	}
	if !uploadWait {
		return nil
	}
	return waitJob(parent, out, client, st, job.ID)
}

func runJobs(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd.Context())
	defer cancel()

	jobs, err := client.Jobs(ctx, api.ListOptions{Status: api.JobStatus(jobsStatus), Limit: jobsLimit})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs.")
		return nil
	}

	styles := cliStyles()
	t := ui.NewSimpleTable("", []string{"ID", "File", "Status", "Stage", "Progress", "Created"})
	for _, j := range jobs {
		t.AddRow(j.ID, orDash(j.Filename), styles.JobStatus(j.Status), orDash(j.Stage),
			fmt.Sprintf("%3.0f%%", j.Progress*100), j.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	fmt.Fprint(out, t.View(styles))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	st := openStore()
	if st != nil {
		defer st.Close()
	}
	out := cmd.OutOrStdout()

	if statusWait {
		parent, stop := signalContext()
		defer stop()
		return waitJob(parent, out, client, st, args[0])
	}

	ctx, cancel := requestContext(cmd.Context())
	defer cancel()
	job, err := client.Job(ctx, args[0])
	if err != nil {
		if cached := cachedJob(st, args[0]); cached != nil && !api.IsNotFound(err) {
			logger.Warn("backend unavailable, showing cached job", zap.Error(err))
			fmt.Fprintf(out, "(cached, backend unavailable: %v)\n", err)
			printJob(out, cached)
			return nil
		}
		return err
	}
	cacheJob(st, job)
	printJob(out, job)
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd.Context())
	defer cancel()

	job, err := client.CancelJob(ctx, args[0])
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", args[0], err)
	}
	if st := openStore(); st != nil {
		cacheJob(st, job)
		st.Close()
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Job %s is %s\n", job.ID, job.Status)
	return nil
}

// waitJob polls a job to completion, printing a line whenever its stage or
// status changes. A job that ends failed or cancelled is returned as an error.
func waitJob(ctx context.Context, out io.Writer, client *api.Client, st *store.Store, id string) error {
	var lastStatus api.JobStatus
	var lastStage string
	job, err := poller.WaitJob(ctx, client, id, cfg.GetPollInterval(), cfg.Poll.MaxFailures, func(j *api.Job) {
		cacheJob(st, j)
		if j.Status == lastStatus && j.Stage == lastStage {
			return
		}
		lastStatus, lastStage = j.Status, j.Stage
		fmt.Fprintf(out, "%s  %-9s %-12s %3.0f%%\n", time.Now().Format("15:04:05"), j.Status, orDash(j.Stage), j.Progress*100)
	})
	if err != nil {
		return err
	}
	printJob(out, job)
	switch job.Status {
	case api.JobFailed:
		return fmt.Errorf("job %s failed: %s", job.ID, orDash(job.Error))
	case api.JobCancelled:
		return fmt.Errorf("job %s was cancelled", job.ID)
	}
	return nil
}

func printJob(out io.Writer, j *api.Job) {
	styles := cliStyles()
	fmt.Fprintf(out, "Job %s", j.ID)
	if j.Filename != "" {
		fmt.Fprintf(out, " (%s)", j.Filename)
	}
	fmt.Fprintf(out, "\nStatus:  %s\nStage:   %s\nElapsed: %s\n", styles.JobStatus(j.Status), orDash(j.Stage),
		j.Duration(time.Now()).Truncate(time.Second))
	if j.Total > 0 {
		fmt.Fprintf(out, "Clients: %d/%d\n", j.Processed, j.Total)
	}
	if j.Error != "" {
		fmt.Fprintf(out, "Error:   %s\n", j.Error)
	}

	t := ui.NewSimpleTable("", []string{"Stage", "Status", "Done", "Failed", ""})
	for _, name := range api.Stages {
		sp, ok := j.StageByName(name)
		if !ok {
			t.AddRow(name, "pending", "", "", "")
			continue
		}
		done := ""
		if sp.Total > 0 {
			done = fmt.Sprintf("%d/%d", sp.Processed, sp.Total)
		}
		t.AddRow(name, orDash(string(sp.Status)), done, fmt.Sprint(sp.Failed), ui.Bar(sp.Ratio(), 20))
	}
	fmt.Fprint(out, "\n"+t.View(styles))
}

func cacheJob(st *store.Store, j *api.Job) {
	if st == nil || j == nil {
		return
	}
	if err := st.SaveJob(*j); err != nil {
		logger.Debug("cache job", zap.String("job", j.ID), zap.Error(err))
	}
}

func cachedJob(st *store.Store, id string) *api.Job {
	if st == nil {
		return nil
	}
	j, err := st.Job(id)
	if err != nil {
		return nil
	}
	return j
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
