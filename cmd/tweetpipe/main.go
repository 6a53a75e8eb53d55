package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"

	"tweetpipe/internal/app"
	logx "tweetpipe/pkg/logx"
)

func main() {
	var cfgPath string
	var once string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.StringVar(&once, "once", "", "run a single cycle for the named feed, then exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if once != "" {
		if err := a.RunOnce(ctx, once); err != nil {
			a.Logger().Error("cycle failed", logx.String("feed", once), logx.Err(err))
			a.Stop()
			os.Exit(1)
		}
		a.Stop()
		return
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.Stop()
}
