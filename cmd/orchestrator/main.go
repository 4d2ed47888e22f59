package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/photoframe-works/orchestrator/pkg/assets"
	"github.com/photoframe-works/orchestrator/pkg/audit"
	"github.com/photoframe-works/orchestrator/pkg/auth"
	"github.com/photoframe-works/orchestrator/pkg/config"
	"github.com/photoframe-works/orchestrator/pkg/daily"
	"github.com/photoframe-works/orchestrator/pkg/scheduler"
	"github.com/photoframe-works/orchestrator/pkg/server"
	"github.com/photoframe-works/orchestrator/pkg/store"
	"github.com/photoframe-works/orchestrator/pkg/util"
	"github.com/photoframe-works/orchestrator/pkg/version"
)

var verboseFlag bool

func main() {
	rootCmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Control plane for battery-powered e-paper photo frames",
		Long: `The orchestrator tells sleeping photo frames what image to show next and
when to wake again. Frames poll it over HTTP; operators schedule override
windows and publish device configuration through the same API or the
built-in web console.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	}

	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(
		newServeCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println(version.Info())
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	var (
		listen     string
		dataDir    string
		configPath string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if verboseFlag {
				util.SetLogLevel("debug")
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}

			return runServer(cfg)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address (default :8080)")
	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory (default ./data)")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Optional YAML config file")
	return cmd
}

func runServer(cfg *config.Config) error {
	st, err := store.Open(filepath.Join(cfg.DataDir, "orchestrator.db"))
	if err != nil {
		return err
	}
	defer st.Close()

	sink, err := assets.NewSink(filepath.Join(cfg.DataDir, "assets"))
	if err != nil {
		return err
	}

	auditLog, err := audit.NewFileLogger(
		filepath.Join(cfg.DataDir, "audit.log"),
		audit.RotationConfig{MaxSize: 10 << 20, MaxBackups: 5},
	)
	if err != nil {
		return err
	}
	defer auditLog.Close()
	audit.SetDefaultLogger(auditLog)

	dc := daily.NewClient(cfg.DailyTemplate, cfg.DailyFetchTimeout, cfg.Location)
	core := scheduler.NewCore(st, dc, sink, cfg.Location, int64(cfg.DefaultPollSeconds))
	gate := auth.NewGate(cfg.OperatorToken, cfg.PublicPhotoToken, cfg.DeviceTokens)
	srv := server.New(cfg, st, sink, core, gate)

	if !gate.OperatorAuthEnabled() {
		util.Warnf("no operator token configured; operator endpoints are open")
	}
	util.Infof("orchestrator %s starting, data dir %s, timezone %s",
		version.Version, cfg.DataDir, cfg.TimezoneName)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		util.Infof("received %s, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}
