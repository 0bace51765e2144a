package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/trading-core/internal/breaker"
	"github.com/Rajchodisetti/trading-core/internal/broker"
	"github.com/Rajchodisetti/trading-core/internal/config"
	"github.com/Rajchodisetti/trading-core/internal/gates"
	"github.com/Rajchodisetti/trading-core/internal/journal"
	"github.com/Rajchodisetti/trading-core/internal/lifecycle"
	"github.com/Rajchodisetti/trading-core/internal/narration"
	"github.com/Rajchodisetti/trading-core/internal/observ"
	"github.com/Rajchodisetti/trading-core/internal/rules"
	"github.com/Rajchodisetti/trading-core/internal/server"
	"github.com/Rajchodisetti/trading-core/internal/signals"
	"github.com/Rajchodisetti/trading-core/internal/sizing"
)

const seedOutcomes = 1000

func newRunCmd(g *globalFlags) *cobra.Command {
	var (
		noServer bool
		seedFile string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the trading core against the configured broker and signal feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if seedFile != "" {
				cfg.Sizing.SeedFile = seedFile
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, !noServer)
		},
	}
	cmd.Flags().BoolVar(&noServer, "no-server", false, "do not start the admin HTTP server")
	cmd.Flags().StringVar(&seedFile, "seed-file", "", "JSON lines of bootstrap outcomes replayed before the journal")
	return cmd
}

func run(ctx context.Context, cfg config.Root, serve bool) error {
	rs, err := rules.New(cfg.Rules)
	if err != nil {
		return err
	}
	pipeline, err := gates.NewStandardPipeline(rs, cfg.Gates)
	if err != nil {
		return err
	}
	sizer, err := sizing.New(rs, cfg.Sizing)
	if err != nil {
		return err
	}
	brk, err := breaker.New(cfg.Breaker, breaker.WithRules(rs))
	if err != nil {
		return err
	}

	jr, err := journal.Open(cfg.Journal)
	if err != nil {
		return err
	}
	defer jr.Close()
	if err := seedSizer(ctx, jr, sizer, cfg.Sizing.SeedFile); err != nil {
		return err
	}

	mem := narration.NewMemory(cfg.Narration.MemoryLimit)
	hub := narration.NewHub()
	sinks := narration.Multi{narration.NewLogSink(observ.Named("narration")), mem, hub}
	var slack *narration.SlackSink
	if cfg.Narration.Slack.Enabled {
		slack = narration.NewSlackSink(cfg.Narration.Slack)
		defer slack.Close()
		sinks = append(sinks, slack)
	}
	sink := narration.NewAsync("narration", sinks, cfg.Narration.QueueSize)
	defer sink.Close()

	paper := broker.NewPaper(cfg.Broker.Paper)
	venue := broker.NewRetrying(paper, cfg.Broker.Retrying)

	ctrl, err := lifecycle.New(cfg.Lifecycle, lifecycle.Deps{
		Rules:   rs,
		Gates:   pipeline,
		Sizer:   sizer,
		Breaker: brk,
		Broker:  venue,
		Sink:    sink,
		Journal: jr,
	})
	if err != nil {
		return err
	}

	src, err := signals.New(cfg.Signals)
	if err != nil {
		return err
	}
	candidates, err := src.Start(ctx)
	if err != nil {
		return err
	}

	observ.Log("tradecore_started", map[string]any{
		"mode":        cfg.TradingMode,
		"signals":     cfg.Signals.Kind,
		"journal":     cfg.Journal.Driver,
		"capital":     cfg.Lifecycle.Capital,
		"breaker":     brk.CurrentState(),
		"sizing_mode": sizer.Policy().String(),
	})

	rctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	errc := make(chan error, 2)
	workers := 1
	go func() {
		err := ctrl.Run(rctx, candidates)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		cancel(fmt.Errorf("controller stopped: %v", err))
		errc <- err
	}()
	if serve {
		workers++
		srv := server.New(cfg.Server, server.Deps{
			Controller: ctrl,
			Breaker:    brk,
			Rules:      rs.Summary,
			Sizing:     func() map[string]any { return sizer.Summary(time.Now()) },
			Events:     mem,
			Hub:        hub,
		})
		go func() {
			err := srv.ListenAndServe(rctx)
			cancel(fmt.Errorf("admin server stopped: %v", err))
			errc <- err
		}()
	}

	for i := 0; i < workers; i++ {
		if werr := <-errc; werr != nil && err == nil {
			err = werr
		}
	}
	observ.Log("tradecore_stopping", map[string]any{"reason": fmt.Sprint(context.Cause(rctx))})

	_ = src.Close()
	sctx, done := context.WithTimeout(context.Background(), cfg.Lifecycle.CloseTimeout+5*time.Second)
	defer done()
	if serr := ctrl.Shutdown(sctx); serr != nil {
		observ.Error("shutdown_incomplete", serr, nil)
		if err == nil {
			err = serr
		}
	}
	observ.Log("tradecore_stopped", map[string]any{"breaker": brk.Status()["state"]})
	return err
}

// seedSizer replays bootstrap outcomes from seedFile, then journaled
// outcomes, so Kelly statistics survive restarts and a fresh journal can
// still size. Journaled outcomes come last and push bootstrap ones out of
// each symbol's window as real history builds up. A journal read failure
// only logs; a bad seed file is an error.
func seedSizer(ctx context.Context, jr journal.Journal, sizer *sizing.Sizer, seedFile string) error {
	var boot int
	if seedFile != "" {
		outcomes, err := sizing.LoadSeedFile(seedFile)
		if err != nil {
			return fmt.Errorf("sizing seed file: %w", err)
		}
		sizer.Seed(outcomes)
		boot = len(outcomes)
	}

	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	outcomes, err := jr.RecentOutcomes(sctx, "", seedOutcomes)
	if err != nil {
		observ.Error("sizer_seed_failed", err, map[string]any{"bootstrap": boot})
		return nil
	}
	sizer.Seed(outcomes)
	observ.Log("sizer_seeded", map[string]any{"outcomes": len(outcomes), "bootstrap": boot})
	return nil
}
