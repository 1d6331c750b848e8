// Command previewd is the preview daemon: it stores project workspaces and
// supervises their dev servers, exposing an HTTP control API and a WebSocket
// log stream.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/zhubert/preview-core/cli"
	"github.com/zhubert/preview-core/config"
	"github.com/zhubert/preview-core/logger"
	"github.com/zhubert/preview-core/paths"
	"github.com/zhubert/preview-core/ports"
	"github.com/zhubert/preview-core/server"
	"github.com/zhubert/preview-core/store"
	"github.com/zhubert/preview-core/stream"
	"github.com/zhubert/preview-core/supervisor"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: resolved config dir)")
	listenAddr := flag.String("listen", "", "HTTP listen address override")
	debug := flag.Bool("debug", false, "enable debug logging")
	clearLogs := flag.Bool("clear-logs", false, "remove the daemon log file and exit")
	flag.Parse()

	if *clearLogs {
		n, err := logger.ClearLogs()
		if err != nil {
			fatal(err)
		}
		fmt.Printf("removed %d log file(s)\n", n)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *debug {
		cfg.Debug = true
	}

	logPath, err := logger.DefaultLogPath()
	if err != nil {
		fatal(err)
	}
	if err := logger.Init(logPath); err != nil {
		fatal(err)
	}
	defer logger.Close()
	logger.SetDebug(cfg.Debug)

	// Missing tools are a warning, not a fatal: projects using a different
	// dev command may still work
	if err := cli.ValidateRequired(cli.ForDevCommand(cfg.DevCommandArgs())); err != nil {
		fmt.Fprintf(os.Stderr, "previewd: warning: %v\n", err)
		logger.Get().Warn("host tool check failed", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dbPath, projectsDir, err := dataPaths(cfg)
	if err != nil {
		fatal(err)
	}

	st, err := store.Open(ctx, dbPath, projectsDir)
	if err != nil {
		fatal(err)
	}
	defer st.Close()

	if err := st.ApplyMigrations(ctx); err != nil {
		fatal(err)
	}

	hub := stream.NewHub(cfg.RingSize)
	sup := supervisor.New(ports.NewAllocator(), hub, st, supervisor.Options{
		Command:       cfg.DevCommandArgs(),
		ReadyTimeout:  cfg.ReadyTimeout.Std(),
		ProbeInterval: cfg.ProbeInterval.Std(),
		StopGrace:     cfg.StopGrace.Std(),
	})

	srv := server.New(cfg, st, sup, hub)
	logger.Get().Info("previewd starting", "addr", cfg.ListenAddr, "db", dbPath, "projects", projectsDir)

	serveErr := srv.Start(ctx)

	// The HTTP server is down; take the dev servers with it so no child
	// processes are orphaned
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	sup.Shutdown(shutdownCtx)

	if serveErr != nil {
		fatal(serveErr)
	}
	logger.Get().Info("previewd stopped")
}

// loadConfig reads the config from the given path, or the resolved default
// location when the path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFrom(path)
	}
	return config.Load()
}

// dataPaths resolves the database and projects locations, honoring the
// data_dir override.
func dataPaths(cfg *config.Config) (dbPath, projectsDir string, err error) {
	if cfg.DataDir != "" {
		return filepath.Join(cfg.DataDir, "preview.db"), filepath.Join(cfg.DataDir, "projects"), nil
	}
	dbPath, err = paths.DatabasePath()
	if err != nil {
		return "", "", err
	}
	projectsDir, err = paths.ProjectsDir()
	if err != nil {
		return "", "", err
	}
	return dbPath, projectsDir, nil
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "previewd: %v\n", err)
	os.Exit(1)
}
