package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"

	"github.com/prxssh/leech/internal/config"
	"github.com/prxssh/leech/internal/meta"
	"github.com/prxssh/leech/internal/scheduler"
	"github.com/prxssh/leech/internal/torrent"
	"github.com/prxssh/leech/pkg/logging"
)

type options struct {
	out        string
	portMin    uint
	portMax    uint
	maxPeers   int
	strategy   string
	seed       bool
	verbose    bool
	noColor    bool
	noProgress bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "leech:", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.Init(); err != nil {
		return err
	}
	def := config.Load()

	var o options
	flag.StringVar(&o.out, "out", def.DownloadDir, "download directory")
	flag.UintVar(&o.portMin, "port-min", uint(def.Listener.PortMin), "first port to listen on")
	flag.UintVar(&o.portMax, "port-max", uint(def.Listener.PortMax), "last port to listen on")
	flag.IntVar(&o.maxPeers, "max-peers", def.Scheduler.MaxPeers, "maximum concurrent peers")
	flag.StringVar(&o.strategy, "strategy", def.Scheduler.Strategy.String(), "piece order: random, rarest-first or sequential")
	flag.BoolVar(&o.seed, "seed", false, "keep seeding after the download completes")
	flag.BoolVar(&o.verbose, "v", false, "debug logging")
	flag.BoolVar(&o.noColor, "no-color", false, "disable coloured output")
	flag.BoolVar(&o.noProgress, "no-progress", false, "disable the progress bar")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] file.torrent\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return errors.New("expected exactly one torrent file")
	}

	setupLogger(o.verbose, !o.noColor)

	strategy, err := scheduler.ParseDownloadStrategy(o.strategy)
	if err != nil {
		return err
	}
	if o.portMin > o.portMax || o.portMax > 65535 {
		return fmt.Errorf("bad port range %d-%d", o.portMin, o.portMax)
	}

	config.Update(func(c *config.Config) {
		c.DownloadDir = o.out
		c.Listener.PortMin = uint16(o.portMin)
		c.Listener.PortMax = uint16(o.portMax)
		c.Scheduler.MaxPeers = o.maxPeers
		c.Scheduler.Strategy = strategy
	})

	m, err := meta.Load(afero.NewOsFs(), flag.Arg(0))
	if err != nil {
		return err
	}

	t, err := torrent.New(m, &torrent.Opts{})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-t.Done():
			slog.Info("download complete", "name", m.Info.Name)
			if !o.seed {
				cancel()
			}
		case <-ctx.Done():
		}
	}()

	if !o.noProgress {
		p := startProgress(t)
		defer p.stop()
		go p.run(ctx)
	}

	slog.Info("starting", "name", m.Info.Name, "size", m.Size(), "pieces", len(m.Info.Pieces), "out", o.out)
	return t.Run(ctx)
}

func setupLogger(verbose, useColor bool) {
	opts := logging.DefaultOptions()
	opts.Color = useColor
	if verbose {
		opts.Level = slog.LevelDebug
		opts.AddSource = true
	}

	slog.SetDefault(slog.New(logging.NewPrettyHandler(os.Stderr, opts)))
}
