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

	"plughost/internal/app"
	"plughost/plugins/marketdata"
	"plughost/plugins/signalgen"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json/yaml")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := a.Register(
		marketdata.New(),
		signalgen.New(),
	); err != nil {
		fmt.Println("fatal register:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}
	// Under systemd Type=notify this flips the unit to active; outside
	// systemd it is a silent no-op.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	<-a.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	reason := app.StopSIGTERM
	if a.Err() != nil {
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if a.Err() != nil {
		fmt.Println("fatal:", a.Err())
		os.Exit(1)
	}
}
