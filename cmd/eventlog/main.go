package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/gehhilfe/eventlog"
	"github.com/gehhilfe/eventlog/bus"
	"github.com/gehhilfe/eventlog/cmd/eventlog/api"
	"github.com/gehhilfe/eventlog/cmd/eventlog/config"
	"github.com/gehhilfe/eventlog/core"
	"github.com/gehhilfe/eventlog/readmodel"
	itemmemory "github.com/gehhilfe/eventlog/readmodel/memory"
	itempostgres "github.com/gehhilfe/eventlog/readmodel/postgres"
	"github.com/gehhilfe/eventlog/readmodel/redisstore"
	"github.com/gehhilfe/eventlog/store/bolt"
	"github.com/gehhilfe/eventlog/store/memory"
	"github.com/gehhilfe/eventlog/store/postgres"
	"github.com/gehhilfe/eventlog/store/sqlite"
)

func main() {
	cfg, err := config.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		slog.Error("Failed to parse config", slog.Any("error", err))
		os.Exit(2)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Exiting", slog.Any("error", err))
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// eventLog is what the node needs from a backend: the log itself and the
// watermarks of the projections.
type eventLog interface {
	core.EventLog
	core.WatermarkStore
}

// closers collects cleanups in reverse order of creation.
type closers []func() error

func (c *closers) add(f func() error) {
	*c = append(*c, f)
}

func (c closers) close() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		errs = append(errs, c[i]())
	}
	return errors.Join(errs...)
}

func openEventLog(cfg config.Config, logger *slog.Logger, cleanup *closers) (eventLog, error) {
	switch cfg.Store {
	case "bolt", "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	switch cfg.Store {
	case "bolt":
		log, err := bolt.NewBoltEventLog(cfg.StorePath)
		if err != nil {
			return nil, err
		}
		cleanup.add(log.Close)
		return log, nil
	case "sqlite":
		log, err := sqlite.Open(cfg.StorePath)
		if err != nil {
			return nil, err
		}
		cleanup.add(log.Close)
		return log, nil
	case "postgres":
		opts := []postgres.Option{postgres.WithLogger(logger)}
		if cfg.PostgresNotify {
			opts = append(opts, postgres.WithNotifications())
		}
		log, err := postgres.NewEventLog(cfg.PostgresURL, opts...)
		if err != nil {
			return nil, err
		}
		cleanup.add(log.Close)
		return log, nil
	default:
		return memory.NewInMemoryEventLog(), nil
	}
}

func openBus(ctx context.Context, cfg config.Config, logger *slog.Logger, cleanup *closers) (core.MessageBus, error) {
	if cfg.Bus != "jetstream" {
		return bus.NewInMemoryMessageBus(
			bus.WithLogger(logger),
			bus.WithMaxDeliveries(cfg.MaxDeliveries),
			bus.WithRedeliveryDelay(cfg.RedeliveryDelay),
			bus.WithDedupWindow(cfg.DedupWindow),
		), nil
	}

	nc, err := nats.Connect(cfg.NatsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	cleanup.add(func() error {
		return nc.Drain()
	})

	js, err := bus.NewJetStreamMessageBus(ctx, nc, cfg.NatsPrefix,
		bus.WithJetStreamLogger(logger),
		bus.WithJetStreamMaxDeliver(cfg.MaxDeliveries),
		bus.WithJetStreamRedeliveryDelay(cfg.RedeliveryDelay),
		bus.WithJetStreamDedupWindow(cfg.DedupWindow),
	)
	if err != nil {
		return nil, err
	}
	cleanup.add(func() error {
		js.Close()
		return nil
	})
	return js, nil
}

// openReadModel returns the item store and the watermark store that must be
// used with it. Watermarks live next to the read model where it can hold them
// and must not outlive it.
func openReadModel(ctx context.Context, cfg config.Config, log eventLog, cleanup *closers) (readmodel.ItemStore, core.WatermarkStore, error) {
	switch cfg.ReadModel {
	case "redis":
		client, err := redisstore.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		cleanup.add(client.Close)
		store := redisstore.NewRedisItemStore(client)
		return store, store, nil
	case "postgres":
		items, err := itempostgres.OpenItemStore(cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		cleanup.add(items.DB().Close)
		return items, log, nil
	default:
		return itemmemory.NewInMemoryItemStore(), itemmemory.NewInMemoryWatermarkStore(), nil
	}
}

func newNode(
	cfg config.Config,
	logger *slog.Logger,
	log core.EventLog,
	mb core.MessageBus,
	items readmodel.ItemStore,
	watermarks core.WatermarkStore,
) *eventlog.Node {
	opts := []eventlog.Option{
		eventlog.WithLogger(logger),
		eventlog.WithMaxAttempts(cfg.MaxAttempts),
	}
	if cfg.Envelope {
		opts = append(opts, eventlog.WithNotificationEnvelope())
	}
	node := eventlog.NewNode(log, mb, eventlog.Subjects{
		Ingress: cfg.IngressSubject,
		Events:  cfg.EventsSubject,
		Replay:  cfg.ReplaySubject,
	}, opts...)
	node.AddProjection(readmodel.NewItemProjection(items), watermarks)
	return node
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) (err error) {
	var cleanup closers
	defer func() {
		err = errors.Join(err, cleanup.close())
	}()

	log, err := openEventLog(cfg, logger, &cleanup)
	if err != nil {
		return err
	}
	mb, err := openBus(ctx, cfg, logger, &cleanup)
	if err != nil {
		return err
	}
	items, watermarks, err := openReadModel(ctx, cfg, log, &cleanup)
	if err != nil {
		return err
	}

	node := newNode(cfg, logger, log, mb, items, watermarks)
	sub, err := node.Start(ctx)
	if err != nil {
		return err
	}
	cleanup.add(sub.Unsubscribe)

	server := &http.Server{
		Handler:  api.NewRouter(node, items, logger),
		ErrorLog: slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	listener, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting server", slog.String("port", cfg.Port), slog.String("store", cfg.Store), slog.String("bus", cfg.Bus))
		if err := server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
