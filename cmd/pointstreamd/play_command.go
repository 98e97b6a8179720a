package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"pointstreamd/internal/config"
	"pointstreamd/internal/fetch"
	"pointstreamd/internal/logger"
	"pointstreamd/internal/manifest"
	"pointstreamd/internal/stream"
)

type playStats struct {
	frames      int
	totalPoints int
	failures    int
	firstFrame  time.Time
	lastFrame   time.Time
}

func newPlayCommand(flags *rootFlags) *cobra.Command {
	var (
		baseURL string
		fps     float64
		depth   int
		loop    bool
	)

	cmd := &cobra.Command{
		Use:   "play <sequence-id>",
		Short: "Play one sequence headlessly and report stats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sequenceID := args[0]

			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if depth > 0 {
				cfg.Playback.PrefetchDepth = depth
			}

			// Logs go to stderr; stdout carries the report.
			log := logger.NewLoggerTo(os.Stderr, cfg.Server.LogLevel, cfg.Server.LogFormat)

			if baseURL == "" {
				seq, ok := cfg.Sequence(sequenceID)
				if !ok {
					return fmt.Errorf("sequence %q is not configured and no --base-url given", sequenceID)
				}
				baseURL = seq.BaseURL
			}

			fetcher := fetch.NewFetcher(&http.Client{}, log, cfg.Network.UserAgent)
			loader := manifest.NewLoader(fetcher, log, baseURL, cfg.Network.ManifestFetchOptions())

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			man, err := loader.Load(ctx, sequenceID)
			if err != nil {
				return err
			}

			ctrl := stream.New(fetcher, log)
			opts := stream.Options{
				FPS:           fps,
				PrefetchDepth: cfg.Playback.PrefetchDepth,
				Loop:          loop,
				Fetch:         cfg.Network.FrameFetchOptions(),
			}
			if opts.FPS == 0 {
				opts.FPS = cfg.Playback.FPS
			}
			if err := ctrl.Start(man, opts); err != nil {
				return err
			}
			defer ctrl.Stop()

			stats := consumePlayback(ctx, ctrl)
			renderPlayReport(cfg, man.SequenceID, stats)

			if ctx.Err() != nil {
				return context.Canceled
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "base-url", "", "Sequence base URL (overrides config lookup)")
	cmd.Flags().Float64Var(&fps, "fps", 0, "Playback rate override (0 = manifest rate)")
	cmd.Flags().IntVar(&depth, "depth", 0, "Prefetch depth override")
	cmd.Flags().BoolVar(&loop, "loop", false, "Loop back to frame 0 at the end")
	return cmd
}

func consumePlayback(ctx context.Context, ctrl *stream.Controller) playStats {
	var stats playStats
	frames := ctrl.Frames()
	errs := ctrl.Errors()
	done := ctrl.Done()

	for {
		select {
		case f := <-frames:
			now := time.Now()
			if stats.frames == 0 {
				stats.firstFrame = now
			}
			stats.lastFrame = now
			stats.frames++
			stats.totalPoints += f.PointCount
		case fe := <-errs:
			stats.failures++
			fmt.Fprintf(os.Stderr, "frame %d failed: %v\n", fe.Index, fe.Err)
		case <-done:
			return stats
		case <-ctx.Done():
			return stats
		}
	}
}

func renderPlayReport(cfg *config.Config, sequenceID string, stats playStats) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Metric", "Value"})
	tw.AppendRow(table.Row{"Sequence", sequenceID})
	tw.AppendRow(table.Row{"Frames played", stats.frames})
	tw.AppendRow(table.Row{"Frame failures", stats.failures})
	tw.AppendRow(table.Row{"Total points", stats.totalPoints})
	if stats.frames > 0 {
		tw.AppendRow(table.Row{"Avg points/frame", stats.totalPoints / stats.frames})
	}
	if stats.frames > 1 {
		elapsed := stats.lastFrame.Sub(stats.firstFrame)
		tw.AppendRow(table.Row{"Elapsed", elapsed.Round(time.Millisecond)})
		tw.AppendRow(table.Row{"Effective fps", fmt.Sprintf("%.2f", float64(stats.frames-1)/elapsed.Seconds())})
	}
	tw.AppendRow(table.Row{"Prefetch depth", cfg.Playback.PrefetchDepth})
	tw.Render()
}
