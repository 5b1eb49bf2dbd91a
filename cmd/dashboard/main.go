package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"backup-telemetry/internal/dashboard"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

func main() {
	var (
		endpoint = pflag.StringP("url", "u", "http://localhost:8080/api/telemetry", "telemetry endpoint")
		interval = pflag.DurationP("interval", "i", dashboard.DefaultInterval, "refresh interval")
		admin    = pflag.BoolP("admin", "a", false, "log in with TELEMETRY_ADMIN_PASSWORD and show the user table")
		search   = pflag.StringP("search", "s", "", "only show users whose name, email or token contains this text")
		once     = pflag.Bool("once", false, "render a single refresh and exit")
		verbose  = pflag.BoolP("verbose", "v", false, "log refresh failures")
	)
	pflag.Parse()

	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.ErrorLevel)
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := dashboard.New(dashboard.NewClient(*endpoint, nil), log)

	if *admin {
		password := os.Getenv("TELEMETRY_ADMIN_PASSWORD")
		if password == "" {
			fmt.Fprintln(os.Stderr, color.RedString("TELEMETRY_ADMIN_PASSWORD is not set"))
			os.Exit(2)
		}
		if err := d.Login(ctx, password); err != nil {
			if errors.Is(err, dashboard.ErrUnauthorized) {
				fmt.Fprintln(os.Stderr, color.RedString("Incorrect admin password"))
			} else {
				fmt.Fprintln(os.Stderr, color.RedString("Admin login failed: %v", err))
			}
			os.Exit(1)
		}
	}

	render := func(snap dashboard.Snapshot) {
		now := time.Now()
		if !*once {
			fmt.Print("\033[H\033[2J")
		}
		dashboard.RenderSummary(os.Stdout, snap, now)
		if snap.Admin {
			fmt.Println()
			dashboard.RenderUsers(os.Stdout, d.Search(*search), now)
		}
	}

	if *once {
		err := d.Refresh(ctx)
		render(d.Snapshot())
		if err != nil {
			os.Exit(1)
		}
		return
	}

	d.Run(ctx, *interval, render)
}
