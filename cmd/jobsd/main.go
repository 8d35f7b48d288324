package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"jobsched/internal/admin"
	"jobsched/internal/app"
	logx "jobsched/pkg/logx"
)

func main() {
	var (
		cfgPath  string
		check    bool
		mintSub  string
		tokenTTL time.Duration
		readOnly bool
	)
	flag.StringVar(&cfgPath, "config", "./jobsd.yaml", "path to config (json or yaml)")
	flag.BoolVar(&check, "check", false, "validate the config and exit")
	flag.StringVar(&mintSub, "mint-token", "", "print an admin API token for this subject (needs admin.jwt_secret) and exit")
	flag.DurationVar(&tokenTTL, "token-ttl", 24*time.Hour, "lifetime of a minted token")
	flag.BoolVar(&readOnly, "read-only", false, "mint a token limited to GET endpoints")
	flag.Parse()

	if check || mintSub != "" {
		os.Exit(offline(cfgPath, check, mintSub, tokenTTL, readOnly))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		fatalf("fatal: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		fatalf("fatal start: %v", err)
	}
	if _, err := app.NotifyReady(); err != nil {
		a.Logger().Warn("systemd notify failed", logx.Err(err))
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(sigs)

	reason := app.StopUnknown
loop:
	for {
		select {
		case s := <-sigs:
			switch s {
			case syscall.SIGUSR1:
				a.LogStatus()
				continue
			case syscall.SIGTERM:
				reason = app.StopSIGTERM
			default:
				reason = app.StopSIGINT
			}
			break loop
		case <-a.Done():
			reason = app.StopFatalError
			break loop
		}
	}

	_, _ = app.NotifyStopping()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		fatalf("fatal: %v", err)
	}
}

// offline handles the flags that only read the config. It returns the exit
// code.
func offline(cfgPath string, check bool, mintSub string, ttl time.Duration, readOnly bool) int {
	cfg, err := app.Check(context.Background(), cfgPath)
	if err != nil {
		color.New(color.FgRed, color.Bold).Fprint(os.Stderr, "invalid ")
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if check {
		enabled := 0
		for _, j := range cfg.Jobs {
			if j.IsEnabled() {
				enabled++
			}
		}
		color.New(color.FgGreen, color.Bold).Print("ok ")
		fmt.Printf("%s: %d jobs (%d enabled), %d groups\n", cfgPath, len(cfg.Jobs), enabled, len(cfg.Groups))
	}
	if mintSub != "" {
		tok, err := admin.MintToken(cfg.Admin.JWTSecret, mintSub, ttl, readOnly)
		if err != nil {
			color.New(color.FgRed, color.Bold).Fprint(os.Stderr, "error ")
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Println(tok)
	}
	return 0
}

func fatalf(format string, args ...any) {
	color.New(color.FgRed).Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
