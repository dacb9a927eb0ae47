package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"slotgate/internal/app"
	"slotgate/internal/config"
	"slotgate/internal/trigger/scheduler"
)

// version is stamped by the build (-ldflags "-X main.version=...").
var version = "dev"

func main() {
	var (
		cfgPath     string
		checkOnly   bool
		showVersion bool
	)
	flag.StringVarP(&cfgPath, "config", "c", "./slotgate.yaml", "path to config file (yaml or json)")
	flag.BoolVar(&checkOnly, "check", false, "validate the config and exit")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("slotgated", version)
		return
	}
	if checkOnly {
		if err := checkConfig(cfgPath); err != nil {
			fmt.Fprintln(os.Stderr, "config check failed:", err)
			os.Exit(1)
		}
		fmt.Println("config ok")
		return
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	// A second signal skips the graceful path.
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "forced exit")
		os.Exit(1)
	}()

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = a.Stop(stopCtx, reason)

	if reason == app.StopFatalError {
		if err := a.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
		}
		os.Exit(1)
	}
}

// checkConfig runs the same validation the daemon applies on load and on
// every hot reload, without constructing any services.
func checkConfig(path string) error {
	cfg, err := config.NewConfigManager(path).Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	for i, sc := range cfg.Schedules {
		if err := scheduler.ValidateSpec(sc.Spec); err != nil {
			return fmt.Errorf("schedules[%d].spec: %w", i, err)
		}
	}
	return nil
}
