package main

import (
	"fmt"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"arca/cmd/arca/ui"
	"arca/internal/api"
)

var (
	clientsJob      string
	clientsSearch   string
	clientsTypology string
	clientsPage     int
	clientsPageSize int
	analysisRaw     bool
)

// clientsCmd lists processed clients
var clientsCmd = &cobra.Command{
	Use:   "clients",
	Short: "List processed clients",
	Long: `Lists clients one page at a time, optionally limited to a job, a
free-text search or a typology.

Example:
  arca clients --job job_123 --typology bar --page 2`,
	Args: cobra.NoArgs,
	RunE: runClients,
}

// clientCmd shows one client
var clientCmd = &cobra.Command{
	Use:   "client ID",
	Short: "Show one client record",
	Args:  cobra.ExactArgs(1),
	RunE:  runClient,
}

// analysisCmd shows the vision analysis of a client
var analysisCmd = &cobra.Command{
	Use:   "analysis CLIENT",
	Short: "Show the AI vision analysis of a client",
	Args:  cobra.ExactArgs(1),
	RunE:  runAnalysis,
}

// qualityCmd shows the data-quality report of a job
var qualityCmd = &cobra.Command{
	Use:   "quality JOB",
	Short: "Show the data-quality report of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runQuality,
}

// typologyCmd shows the typology distribution of a job
var typologyCmd = &cobra.Command{
	Use:   "typology JOB",
	Short: "Show the typology distribution of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runTypology,
}

func init() {
	clientsCmd.Flags().StringVar(&clientsJob, "job", "", "Only clients of this job")
	clientsCmd.Flags().StringVarP(&clientsSearch, "search", "s", "", "Free-text search on name, city or address")
	clientsCmd.Flags().StringVar(&clientsTypology, "typology", "", "Only clients of this typology")
	clientsCmd.Flags().IntVarP(&clientsPage, "page", "p", 1, "Page number, starting at 1")
	clientsCmd.Flags().IntVar(&clientsPageSize, "page-size", 0, "Rows per page (default ui.client_page_size)")

	analysisCmd.Flags().BoolVar(&analysisRaw, "raw", false, "Print markdown without rendering")

	rootCmd.AddCommand(clientsCmd)
	rootCmd.AddCommand(clientCmd)
	rootCmd.AddCommand(analysisCmd)
	rootCmd.AddCommand(qualityCmd)
	rootCmd.AddCommand(typologyCmd)
}

func runClients(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	size := clientsPageSize
	if size <= 0 {
		size = cfg.UI.ClientPageSize
	}
	ctx, cancel := requestContext(cmd.Context())
	defer cancel()

	page, err := client.Clients(ctx, api.ClientFilter{
		JobID:    clientsJob,
		Search:   clientsSearch,
		Typology: clientsTypology,
		Page:     clientsPage,
		PageSize: size,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(page.Items) == 0 {
		fmt.Fprintln(out, "No clients match.")
		return nil
	}
	styles := cliStyles()
	t := ui.NewSimpleTable("", []string{"ID", "Name", "City", "Typology", "Conf.", "Geo"})
	for _, c := range page.Items {
		conf := ""
		if c.Confidence > 0 {
			conf = fmt.Sprintf("%.0f%%", c.Confidence*100)
		}
		geo := ""
		if c.Geocoded() {
			geo = "yes"
		}
		t.AddRow(c.ID, c.Name, orDash(c.City), orDash(c.Typology), conf, geo)
	}
	fmt.Fprint(out, t.View(styles))
	fmt.Fprintln(out, styles.Muted.Render(fmt.Sprintf("page %d/%d  %d clients", page.Page, page.Pages(), page.Total)))
	return nil
}

func runClient(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd.Context())
	defer cancel()

	c, err := client.Client(ctx, args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	styles := cliStyles()
	t := ui.NewSimpleTable(c.Name, []string{"Field", "Value"})
	t.AddRow("id", c.ID)
	t.AddRow("job", orDash(c.JobID))
	t.AddRow("address", orDash(c.Address))
	t.AddRow("city", orDash(c.City))
	if c.Geocoded() {
		t.AddRow("location", fmt.Sprintf("%.6f, %.6f", *c.Latitude, *c.Longitude))
	}
	t.AddRow("phone", orDash(c.Phone))
	t.AddRow("website", orDash(c.Website))
	if c.Rating > 0 {
		t.AddRow("rating", fmt.Sprintf("%.1f (%d reviews)", c.Rating, c.Reviews))
	}
	t.AddRow("typology", orDash(c.Typology))
	if c.Confidence > 0 {
		t.AddRow("confidence", fmt.Sprintf("%.0f%%", c.Confidence*100))
	}
	t.AddRow("status", orDash(c.Status))
	fmt.Fprint(out, t.View(styles))
	return nil
}

func runAnalysis(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd.Context())
	defer cancel()

	var (
		customer *api.Customer
		analysis *api.Analysis
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		c, err := client.Client(egCtx, args[0])
		if err != nil {
			return fmt.Errorf("client %s: %w", args[0], err)
		}
		customer = c
		return nil
	})
	eg.Go(func() error {
		a, err := client.Analysis(egCtx, args[0])
		if err != nil {
			if api.IsNotFound(err) {
				return nil
			}
			return fmt.Errorf("analysis of %s: %w", args[0], err)
		}
		analysis = a
		return nil
	})
	if err := eg.Wait(); err != nil {
		return err
	}

	md := ui.AnalysisMarkdown(*customer, analysis)
	if analysis == nil {
		md += "\n_No analysis yet for this client._\n"
	}
	out := cmd.OutOrStdout()
	if analysisRaw {
		fmt.Fprint(out, md)
		return nil
	}
	fmt.Fprint(out, renderMarkdown(md))
	return nil
}

// renderMarkdown renders md for the terminal, falling back to the source text.
func renderMarkdown(md string) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(cfg.UI.MarkdownWidth),
	)
	if err != nil {
		logger.Debug("markdown renderer unavailable", zap.Error(err))
		return md
	}
	s, err := r.Render(md)
	if err != nil {
		logger.Debug("markdown render failed", zap.Error(err))
		return md
	}
	return s
}

func runQuality(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd.Context())
	defer cancel()

	r, err := client.QualityReport(ctx, args[0])
	if err != nil && !api.IsNotFound(err) {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), ui.RenderQuality(r, err, cliStyles()))
	return nil
}

func runTypology(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd.Context())
	defer cancel()

	s, err := client.Typologies(ctx, args[0])
	if err != nil && !api.IsNotFound(err) {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), ui.RenderTypology(s, err, cliStyles()))
	return nil
}
