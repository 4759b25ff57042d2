package main

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"arca/cmd/arca/ui"
	"arca/internal/config"
	"arca/internal/dashboard"
	"arca/internal/logging"
)

var dashboardNoStream bool

// dashboardCmd opens the interactive view of a job
var dashboardCmd = &cobra.Command{
	Use:   "dashboard JOB",
	Short: "Open the interactive dashboard of a job",
	Long: `Opens a full-screen view of a job: stage progress, the live log
stream, clients with their vision analysis, data quality and typologies.

The ui section of the config file is reloaded while the dashboard runs.

Keys: tab/1-6 switch pages, r refresh, p pause the log stream,
R reconnect it, / search clients, enter open an analysis, q quit.`,
	Args: cobra.ExactArgs(1),
	RunE: runDashboard,
}

func init() {
	dashboardCmd.Flags().BoolVar(&dashboardNoStream, "no-stream", false, "Do not connect to the live log stream")
	rootCmd.AddCommand(dashboardCmd)
}

func runDashboard(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	client, err := newClient()
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	st := openStore()
	var cache dashboard.JobCache
	if st != nil {
		defer st.Close()
		cache = st
	}

	deps := ui.Deps{
		JobID:   jobID,
		Loader:  dashboard.NewLoader(client, cache, cfg.UI.ClientPageSize),
		Clients: client,
		UI:      cfg.UI,
	}
	if !dashboardNoStream {
		consumer := newConsumer(client, jobID, st)
		defer consumer.Close()
		if err := consumer.SetEnabled(true); err != nil {
			return err
		}
		deps.Logs = consumer
	}

	p := tea.NewProgram(ui.NewModel(ctx, deps), tea.WithAltScreen(), tea.WithContext(ctx))

	w, err := config.NewWatcher(configPath, func(c *config.Config) {
		p.Send(ui.ConfigMsg{UI: c.UI})
	})
	if err != nil {
		logger.Warn("config hot reload disabled", zap.Error(err))
	} else if err := w.Start(ctx); err != nil {
		logger.Warn("config hot reload disabled", zap.Error(err))
		w.Stop()
	} else {
		defer w.Stop()
	}

	logging.UI("dashboard started for %s", jobID)
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
