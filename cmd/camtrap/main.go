package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/camtrap/internal/config"
	"github.com/banshee-data/camtrap/internal/monitoring"
	"github.com/banshee-data/camtrap/internal/pipeline"
	"github.com/banshee-data/camtrap/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to the JSON configuration (defaults when empty)")
	listen      = flag.String("listen", "", "Override the debug HTTP listen address")
	mode        = flag.String("mode", "", "Override the pipeline mode (event or frame)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}
	if *listen != "" {
		cfg.HTTP.Listen = *listen
	}
	if *mode != "" {
		cfg.Pipeline.Mode = *mode
	}
	return cfg, cfg.Validate()
}

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.Get())
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if err := run(cfg, os.Stderr); err != nil {
		os.Exit(1)
	}
}

// run owns the log file for the daemon's lifetime. Errors are logged before
// it is closed.
func run(cfg *config.Config, stderr io.Writer) error {
	logs, err := monitoring.Configure(stderr, cfg.Logging.Level, cfg.Logging.Path)
	if err != nil {
		fmt.Fprintf(stderr, "failed to configure logging: %v\n", err)
		return err
	}
	defer logs.Close()
	monitoring.Logf("%s starting in %s mode", version.Get(), cfg.Pipeline.Mode)

	p, err := pipeline.New(cfg, pipeline.Options{})
	if err != nil {
		monitoring.Errorf("failed to build pipeline: %v", err)
		return err
	}
	defer p.Close()

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		// A finite source ends the daemon.
		defer stop()
		if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Errorf("pipeline stopped: %v", err)
		}
		monitoring.Logf("pipeline routine terminated")
	}()

	if cfg.HTTP.Listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mux := http.NewServeMux()
			if err := p.AttachAdminRoutes(mux); err != nil {
				monitoring.Errorf("failed to attach debug routes: %v", err)
			}
			server := &http.Server{Addr: cfg.HTTP.Listen, Handler: mux}

			go func() {
				monitoring.Logf("debug server listening on %s", cfg.HTTP.Listen)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					monitoring.Errorf("debug server failed: %v", err)
				}
			}()

			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				monitoring.Warnf("debug server shutdown error: %v", err)
				server.Close()
			}
			monitoring.Logf("debug server stopped")
		}()
	}

	wg.Wait()
	monitoring.Logf("graceful shutdown complete")
	return nil
}
