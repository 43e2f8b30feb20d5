package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"listingwatch/internal/app"
)

const defaultConfig = "./config.yaml"

func main() {
	var (
		cfgPath string
		once    bool
		sources string
		open    bool
		noStore bool
	)
	flag.StringVar(&cfgPath, "config", defaultConfig, "path to config yaml/json")
	flag.BoolVar(&once, "once", false, "run sources once and exit instead of following schedules")
	flag.StringVar(&sources, "source", "", "comma separated source names to run once (default: all enabled)")
	flag.BoolVar(&open, "open", false, "open new listings in the browser")
	flag.BoolVar(&noStore, "no-store", false, "skip the seen-URL database (implies -open, sends nothing)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [search terms...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	explicit := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicit = true
		}
	})
	// Without a config file the built-in defaults and environment apply.
	if !explicit {
		if _, err := os.Stat(cfgPath); errors.Is(err, fs.ErrNotExist) {
			cfgPath = ""
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	opts := a.DispatchOptions()
	if open {
		opts.OpenInViewer = true
	}
	if noStore {
		opts.SkipStorage = true
	}
	terms := flag.Args()

	if once || len(terms) > 0 || noStore || sources != "" {
		_, runErr := a.RunOnce(ctx, splitNames(sources), terms, opts)
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
		_ = a.Stop(stopCtx, app.StopOnceComplete)
		stopCancel()
		if runErr != nil {
			fmt.Println("run failed:", runErr)
			os.Exit(1)
		}
		return
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	<-a.Done()
	reason := app.StopSignal
	if a.Err() != nil {
		reason = app.StopFatalError
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func splitNames(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
