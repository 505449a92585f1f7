package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"fxalert/internal/app"
	"fxalert/internal/config"
	logx "fxalert/pkg/logx"
)

func main() {
	var (
		cfgPath    string
		envFile    string
		importPath string
	)
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config (json or yaml)")
	flag.StringVar(&envFile, "env", ".env", "optional dotenv file with FXALERT_* overrides")
	flag.StringVar(&importPath, "import", "", "import a JSON calendar export and exit")
	flag.Parse()

	if err := config.LoadDotEnv(envFile); err != nil {
		fatal("env", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if importPath != "" {
		f, err := os.Open(importPath)
		if err != nil {
			fatal("import", err)
		}
		n, err := app.ImportFeed(ctx, cfgPath, f, logx.NewConsole("info"))
		_ = f.Close()
		if err != nil {
			fatal("import", err)
		}
		fmt.Printf("imported %d events from %s\n", n, importPath)
		return
	}

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		fatal("init", err)
	}
	if err := a.Start(ctx); err != nil {
		fatal("start", err)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	stopWatchdog := startWatchdog(ctx)

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
		if err := a.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
		}
	}

	stopWatchdog()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		os.Exit(1)
	}
}

// startWatchdog pings systemd at half the configured WatchdogSec. It is a
// no-op outside systemd.
func startWatchdog(ctx context.Context) func() {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return func() {}
	}
	wctx, cancel := context.WithCancel(ctx)
	go func() {
		t := time.NewTicker(every / 2)
		defer t.Stop()
		for {
			select {
			case <-wctx.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
	return cancel
}

func fatal(stage string, err error) {
	fmt.Fprintf(os.Stderr, "fatal %s: %v\n", stage, err)
	os.Exit(1)
}
