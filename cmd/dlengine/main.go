// Command dlengine is the command-line front end: it wires configuration,
// the aria2 daemon client, the yt-dlp prober and both download adapters
// into the engine, submits the given URLs and streams events until every
// job reaches a terminal state.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ytget/dlengine/internal/aria2"
	"github.com/ytget/dlengine/internal/classify"
	"github.com/ytget/dlengine/internal/config"
	"github.com/ytget/dlengine/internal/engine"
	"github.com/ytget/dlengine/internal/events"
	"github.com/ytget/dlengine/internal/extract"
	"github.com/ytget/dlengine/internal/model"
	"github.com/ytget/dlengine/internal/transfer"
	"github.com/ytget/dlengine/internal/ytdlp"
)

const connectTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "dlengine:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   = flag.String("config", "", "path to config.yaml")
		mode         = flag.String("mode", "auto", "classification mode: auto, direct or video")
		quality      = flag.String("quality", "", "quality selector, e.g. 1080p or a format id")
		audioOnly    = flag.Bool("audio-only", false, "download audio only")
		outputDir    = flag.String("dir", "", "output directory (overrides category layout)")
		classifyOnly = flag.Bool("classify", false, "print the classifier verdict and exit")
		metadataOnly = flag.Bool("metadata", false, "print video/playlist metadata as JSON and exit")
		verbose      = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()
	if flag.NArg() == 0 {
		return fmt.Errorf("usage: dlengine [flags] URL...")
	}

	// Local overrides for the DLENGINE_* environment variables.
	_ = godotenv.Load()

	logger, err := buildLogger(*verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	cfg := store.Snapshot()

	classifyMode := model.ClassifyMode(*mode)
	switch classifyMode {
	case model.ModeAuto, model.ModeDirect, model.ModeVideo:
	default:
		return fmt.Errorf("unknown mode %q", *mode)
	}

	classifier := classify.New(logger)
	prober := ytdlp.NewProber(cfg.YtdlpBinary, logger)

	if *classifyOnly {
		return printVerdicts(classifier, classifyMode, flag.Args())
	}
	if *metadataOnly {
		return printMetadata(prober, flag.Args())
	}

	bus := events.NewBus(logger)
	defer bus.Close()

	supervisor := aria2.NewProcessSupervisor(cfg.Aria2.Binary, cfg.Aria2.RPCURL, cfg.Aria2.Secret, logger)
	client := aria2.NewClient(cfg.Aria2.RPCURL, cfg.Aria2.Secret, supervisor, logger)

	transferAdapter := transfer.New(client, classifier, store, bus, logger)
	extractAdapter := extract.New(prober, store, bus, logger)
	eng := engine.New(classifier, transferAdapter, extractAdapter, bus, logger)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	err = transferAdapter.Connect(ctx)
	cancel()
	if err != nil {
		// Extraction jobs work without the daemon; direct transfers will
		// fail until it comes up.
		logger.Warn("aria2 daemon not reachable, transfer jobs unavailable", zap.Error(err))
	}
	defer transferAdapter.Shutdown()
	defer extractAdapter.Shutdown()

	eventCh, unsubscribe := eng.Subscribe()
	defer unsubscribe()

	submitted := make(map[string]bool)
	for _, rawURL := range flag.Args() {
		items, err := eng.Submit(context.Background(), model.DownloadOptions{
			URL:       rawURL,
			OutputDir: *outputDir,
			Quality:   *quality,
			AudioOnly: *audioOnly,
		}, classifyMode)
		if err != nil {
			fmt.Fprintf(os.Stderr, "submit %s: %v\n", rawURL, err)
			continue
		}
		for _, item := range items {
			submitted[item.ID] = true
			fmt.Printf("queued  %s  %s\n", item.ID, item.DisplayTitle())
		}
	}
	if len(submitted) == 0 {
		return fmt.Errorf("nothing queued")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	remaining := len(submitted)
	for remaining > 0 {
		select {
		case ev := <-eventCh:
			if !submitted[ev.ID] {
				continue
			}
			switch ev.Kind {
			case model.EventProgress:
				fmt.Printf("\r%-60s %5.1f%%  %s  ETA %s",
					ev.Item.DisplayTitle(), ev.Item.Progress.Percent,
					ev.Item.Progress.SpeedStr, ev.Item.Progress.ETAString())
			case model.EventComplete:
				fmt.Printf("\ndone    %s  %s\n", ev.ID, ev.Item.Progress.Filename)
				remaining--
			case model.EventError:
				fmt.Printf("\nfailed  %s  %s\n", ev.ID, ev.Message)
				remaining--
			case model.EventItemRemoved:
				remaining--
			}
		case <-sigCh:
			fmt.Println("\ninterrupted, cancelling jobs")
			for id := range submitted {
				eng.Cancel(id)
			}
			return nil
		}
	}
	return nil
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

func printVerdicts(classifier *classify.Classifier, mode model.ClassifyMode, urls []string) error {
	for _, rawURL := range urls {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		result, err := classifier.Classify(ctx, rawURL, mode)
		cancel()
		if err != nil {
			fmt.Printf("%s\n  error: %v\n", rawURL, err)
			continue
		}
		target := "extraction engine"
		if result.IsDirect {
			target = "transfer engine"
		}
		fmt.Printf("%s\n  %s (%s)\n", rawURL, target, result.Reason)
	}
	return nil
}

func printMetadata(prober *ytdlp.Prober, urls []string) error {
	for _, rawURL := range urls {
		info, err := prober.Probe(context.Background(), rawURL)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	}
	return nil
}
