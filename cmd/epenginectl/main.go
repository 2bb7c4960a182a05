// Command epenginectl is the process entrypoint: it parses
// configuration, opens the durable backend, wires the persistence
// coordinator, flusher and pager tasks together, runs warmup if asked,
// and keeps the dispatchers running until interrupted. It exposes no
// control surface of its own.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ledgerwatch/epengine/common"
	"github.com/ledgerwatch/epengine/config"
	"github.com/ledgerwatch/epengine/dispatcher"
	"github.com/ledgerwatch/epengine/flusher"
	"github.com/ledgerwatch/epengine/kvstore"
	"github.com/ledgerwatch/epengine/kvstore/fakestore"
	"github.com/ledgerwatch/epengine/kvstore/lmdbstore"
	"github.com/ledgerwatch/epengine/log"
	"github.com/ledgerwatch/epengine/pager"
	"github.com/ledgerwatch/epengine/store"
	"github.com/ledgerwatch/epengine/vbucket"
)

func main() {
	cfg := config.Default()

	cmd := &cobra.Command{
		Use:   "epenginectl",
		Short: "run the eventually-persistent cache engine",
	}
	cfg.RegisterFlags(cmd.Flags())
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), cfg)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.ExecuteContext(ctx); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("epenginectl: %w", err)
	}

	backend, err := openBackend(cfg)
	if err != nil {
		return fmt.Errorf("epenginectl: open backend: %w", err)
	}
	defer backend.Close()

	clock := common.SystemClock{}
	ioDispatcher := dispatcher.New("io", clock)
	notifyDispatcher := dispatcher.New("notify", clock)

	notify := func(cookie vbucket.Cookie, code int) {
		notifyDispatcher.Schedule(func(d *dispatcher.Dispatcher, id dispatcher.TaskID) bool {
			if fn, ok := cookie.(func(int)); ok {
				fn(code)
			}
			return false
		}, nil, dispatcher.NotifyVBStateChange, 0, false, "notify vbucket state change")
	}

	coord := store.New(store.Deps{
		Config:         cfg,
		Clock:          clock,
		Backend:        backend,
		IODispatcher:   ioDispatcher,
		NotifyDispatch: notifyDispatcher,
		Notify:         notify,
	})

	// The io and notify dispatcher goroutines start together and shut
	// down together: errgroup's derived context ties their stop to
	// either ctx's own cancellation or an error from the other, and
	// g.Wait() (below) blocks run() until both have actually stopped.
	g, gctx := errgroup.WithContext(ctx)
	ioDispatcher.Start(gctx)
	notifyDispatcher.Start(gctx)
	g.Go(func() error {
		<-gctx.Done()
		ioDispatcher.Stop()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		notifyDispatcher.Stop()
		return nil
	})

	fl := flusher.New(cfg, clock, backend, coord.VBMap(), coord.Intake(), coord.BGFetcher())

	if cfg.Warmup {
		log.Info("warmup starting")
		if err := coord.Warmup(ctx); err != nil {
			if cfg.FailPartialWarmup {
				return fmt.Errorf("epenginectl: warmup: %w", err)
			}
			log.Warn("warmup failed, continuing with empty state", "err", err)
		}
		log.Info("warmup complete")
	}
	fl.Start(ioDispatcher)

	itemPager := pager.NewItemPager(coord.Memory(), coord.VBMap(), int64(cfg.MemHighWat), int64(cfg.MemLowWat), 10)
	itemPager.Start(ioDispatcher)

	expPager := pager.NewExpiredItemPager(coord.VBMap(), coord.Intake(), clock, coord.PersistenceEnabled, int64(cfg.ExpPagerSTime))
	expPager.Start(ioDispatcher)

	log.Info("epengine running", "dbname", cfg.Dbname, "db_strategy", string(cfg.DBStrategy))
	<-ctx.Done()
	log.Info("epengine shutting down")
	fl.Stop()
	return g.Wait()
}

func openBackend(cfg *config.Config) (kvstore.Backend, error) {
	if cfg.Dbname == "" || cfg.Dbname == "memory" {
		return fakestore.New(), nil
	}
	shards := 1
	if cfg.DBStrategy == config.MultiDB {
		shards = cfg.DBShards
	}
	return lmdbstore.Open(cfg.Dbname, shards)
}
