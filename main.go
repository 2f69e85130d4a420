package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mordilloSan/go_logger/logger"

	"github.com/mordilloSan/imageviewer/cmd"
	"github.com/mordilloSan/imageviewer/internal/config"
	"github.com/mordilloSan/imageviewer/internal/version"
)

func main() {
	var (
		showVersion = flag.Bool("version", false, "Print version and exit")
		dataDir     = flag.String("data-dir", "", "Directory for the metadata cache, sessions and socket (overrides IMAGEVIEWER_DATA_DIR)")
		dbPath      = flag.String("db-path", "", "SQLite metadata cache path (overrides IMAGEVIEWER_DB_PATH)")
		socketPath  = flag.String("socket-path", "", "Unix socket path; - disables the socket")
		listenAddr  = flag.String("listen", "", "Optional TCP address (e.g., :8080)")
		budgetMB    = flag.Int64("budget", 0, "Metadata memory budget in MB (overrides IMAGEVIEWER_MEMORY_BUDGET_MB)")
		prefetch    = flag.Int("prefetch-radius", -1, "Images loaded on each side of the cursor")
		tolerance   = flag.Int("tolerance-radius", -1, "Distance from the cursor beyond which pending loads are cancelled")
		verbose     = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *dataDir != "" {
		// Paths derived from the old data dir follow the new one unless set explicitly.
		cfg.DataDir = *dataDir
		cfg.DBPath = os.Getenv("IMAGEVIEWER_DB_PATH")
		cfg.SocketPath = os.Getenv("IMAGEVIEWER_SOCKET_PATH")
	}
	cfg.DBPath = coalesce(*dbPath, cfg.DBPath)
	cfg.SocketPath = coalesce(*socketPath, cfg.SocketPath)
	cfg.ListenAddr = coalesce(*listenAddr, cfg.ListenAddr)
	if *budgetMB > 0 {
		cfg.MemoryBudgetMB = *budgetMB
	}
	if *prefetch >= 0 {
		cfg.PrefetchRadius = *prefetch
	}
	if *tolerance >= 0 {
		cfg.ToleranceRadius = *tolerance
	}
	cfg.Verbose = cfg.Verbose || *verbose
	cfg.FillPaths()

	logger.Init("production", cfg.Verbose)

	if err := cfg.Validate(); err != nil {
		logger.Fatalf("Invalid configuration: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		logger.Fatalf("Failed to create data directory: %v", err)
	}

	d, err := cmd.NewDaemon(cfg)
	if err != nil {
		logger.Fatalf("Failed to start daemon: %v", err)
	}
	defer d.Close()

	listenDisplay := cfg.ListenAddr
	if listenDisplay == "" {
		listenDisplay = "disabled"
	}
	socketDisplay := cfg.SocketPath
	if socketDisplay == "" {
		socketDisplay = "disabled"
	}
	logger.Infof("Daemon initialized version=%s data=%s db=%s socket=%s listen=%s budget=%dMB prefetch=%d tolerance=%d workers=%d",
		version.String(), cfg.DataDir, cfg.DBPath, socketDisplay, listenDisplay,
		cfg.MemoryBudgetMB, cfg.PrefetchRadius, cfg.ToleranceRadius, cfg.LoadWorkers)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Run(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Infof("Received signal %v, initiating graceful shutdown...", sig)
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			logger.Errorf("Daemon exited with error: %v", err)
			d.Close()
			os.Exit(1)
		}
	}

	logger.Infof("Shutdown complete")
}

func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
