package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agent8hq/agent8ctr/pkg/config"
	"github.com/agent8hq/agent8ctr/pkg/fsops"
	"github.com/agent8hq/agent8ctr/pkg/gateway"
	"github.com/agent8hq/agent8ctr/pkg/health"
	"github.com/agent8hq/agent8ctr/pkg/log"
	"github.com/agent8hq/agent8ctr/pkg/metrics"
	"github.com/agent8hq/agent8ctr/pkg/runner"
	"github.com/agent8hq/agent8ctr/pkg/task"
	"github.com/agent8hq/agent8ctr/pkg/vcs"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "agent8d",
	Short:   "agent8d - remote dev-container session agent",
	Long:    `agent8d runs the duplex session gateway, process and watcher registries, and the git-integrated streaming task engine inside a single dev container.`,
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"agent8d version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// runServe wires every component (spec.md §4, §6) onto one listener and
// runs until SIGINT/SIGTERM, in the same bootstrap-then-graceful-shutdown
// shape as a cluster-init command.
func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	health.SetVersion(Version)

	fs := fsops.New(cfg.WorkdirName)
	gw := gateway.New(fs)
	health.RegisterComponent("workspace", cfg.WorkdirName != "", "WORKDIR_NAME not set")
	fmt.Printf("agent8d: sandbox rooted at %s\n", cfg.WorkdirName)

	hs := health.NewServer()
	mux := http.NewServeMux()
	mux.Handle("/", gw)
	mux.Handle("/health", hs)
	mux.Handle("/ready", hs)
	mux.Handle("/live", hs)
	mux.Handle("/metrics", hs)

	var engine *task.Engine
	if cfg.TaskEngineReady() {
		tracker := vcs.NewGitLabClient(cfg.GitlabURL, cfg.GitlabToken)
		creds := runner.Credentials{}
		engine = task.New(cfg.WorkdirName, tracker, cfg.GitlabBranch, creds)
		taskServer := task.NewServer(engine)
		mux.Handle("/api/agent8/task", taskServer)
		mux.Handle("/api/agent8/task/", taskServer)
		mux.Handle("/api/agent8/chat", taskServer)
		fmt.Println("agent8d: task engine ready (gitlab integration configured)")
	} else {
		fmt.Println("agent8d: task engine disabled (GITLAB_URL/GITLAB_TOKEN not set)")
	}
	health.RegisterComponent("gateway", true, "listening")

	collector := metrics.NewCollector(gw.Processes(), gw.Watchers())
	collector.Start()

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("agent8d: listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nagent8d: shutting down...")
	case err := <-errCh:
		collector.Stop()
		gw.Shutdown()
		return fmt.Errorf("listener failed: %w", err)
	}

	collector.Stop()
	if engine != nil {
		engine.Shutdown()
	}
	gw.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	return nil
}
