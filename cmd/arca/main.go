// Command arca is the operator console for the customer-intelligence pipeline:
// upload client spreadsheets, follow jobs and their live logs, browse results.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"arca/internal/api"
	"arca/internal/config"
	"arca/internal/logging"
	"arca/internal/sse"
	"arca/internal/store"
)

var (
	// Global flags
	verbose    bool
	configPath string
	apiURL     string
	timeout    time.Duration
	noCache    bool

	// Logger
	logger *zap.Logger

	// Loaded configuration
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "arca",
	Short: "Arca - pipeline console for customer intelligence",
	Long: `Arca drives the customer-intelligence pipeline from the terminal.

Upload a client spreadsheet, start a job and follow it through ingest,
geocoding, enrichment, vision analysis and typology classification. Live
logs are streamed over SSE with automatic reconnects and cached locally.

Run "arca dashboard JOB" for the interactive view.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Config file")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "Pipeline API base URL (or set ARCA_API_URL)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Per-request timeout")
	rootCmd.PersistentFlags().BoolVar(&noCache, "no-cache", false, "Do not read or write the local cache")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup builds the logger and loads configuration before any subcommand runs.
func setup(cmd *cobra.Command, args []string) error {
	zc := zap.NewProductionConfig()
	if verbose {
		zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	var err error
	logger, err = zc.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}
	if apiURL != "" {
		cfg.API.BaseURL = apiURL
	}
	if cmd.Flags().Changed("timeout") {
		cfg.API.Timeout = timeout.String()
	}
	if verbose {
		cfg.Logging.DebugMode = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", configPath, err)
	}

	ws, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve workspace: %w", err)
	}
	if err := logging.Initialize(ws, cfg.Logging.Settings()); err != nil {
		logger.Warn("file logging disabled", zap.Error(err))
	}
	logging.Boot("arca %s starting: %s (api %s)", cfg.Version, cmd.CommandPath(), cfg.API.BaseURL)
	return nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// requestContext bounds a single backend call by the configured timeout.
func requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, cfg.GetAPITimeout())
}

func newClient() (*api.Client, error) {
	return api.New(api.Options{
		BaseURL:    cfg.API.BaseURL,
		Token:      cfg.API.Token,
		Timeout:    cfg.GetAPITimeout(),
		MaxRetries: cfg.API.MaxRetries,
		UserAgent:  cfg.API.UserAgent,
	})
}

// openStore opens the local cache. It returns nil when caching is off or the
// database cannot be opened; callers treat the cache as optional.
func openStore() *store.Store {
	if noCache || !cfg.Store.Enabled {
		return nil
	}
	s, err := store.Open(cfg.Store.DatabasePath)
	if err != nil {
		logger.Warn("local cache unavailable", zap.String("path", cfg.Store.DatabasePath), zap.Error(err))
		return nil
	}
	return s
}

// streamOptions maps the stream config onto consumer options.
func streamOptions(c config.StreamConfig) sse.Options {
	return sse.Options{
		InitialDelay: c.GetInitialDelay(),
		Multiplier:   c.Multiplier,
		MaxDelay:     c.GetMaxDelay(),
		Jitter:       c.Jitter,
		MaxRetries:   c.MaxRetries,
		BufferSize:   c.BufferSize,
	}
}

// newConsumer creates the log stream consumer of a job, persisting lines to st when non-nil.
func newConsumer(client *api.Client, jobID string, st *store.Store, observers ...sse.Observer) *sse.Consumer {
	opts := []sse.Option{}
	if tok := client.Token(); tok != "" {
		opts = append(opts, sse.WithHeader("Authorization", "Bearer "+tok))
	}
	opts = append(opts, sse.WithHeader("User-Agent", cfg.API.UserAgent))
	if st != nil {
		opts = append(opts, sse.WithObserver(st.Recorder(jobID)))
		if id, err := st.LastEventID(jobID); err != nil {
			logger.Warn("cannot resume log stream", zap.String("job", jobID), zap.Error(err))
		} else if id != "" {
			logger.Debug("resuming log stream", zap.String("job", jobID), zap.String("last_event_id", id))
			opts = append(opts, sse.WithLastEventID(id))
		}
	}
	for _, o := range observers {
		opts = append(opts, sse.WithObserver(o))
	}
	return sse.NewConsumer(client.LogStreamURL(jobID), streamOptions(cfg.Stream), opts...)
}
