package main

import (
	"context"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.temporal.io/sdk/client"
	"goa.design/clue/health"
	"goa.design/clue/log"

	archivemongo "github.com/switchboard-ai/switchboard/features/archive/mongo"
	mongoc "github.com/switchboard-ai/switchboard/features/archive/mongo/clients/mongo"
	"github.com/switchboard-ai/switchboard/features/engine/local"
	"github.com/switchboard-ai/switchboard/features/engine/temporal"
	"github.com/switchboard-ai/switchboard/features/stream/inmem"
	"github.com/switchboard-ai/switchboard/features/stream/pulse"
	clientspulse "github.com/switchboard-ai/switchboard/features/stream/pulse/clients/pulse"
	"github.com/switchboard-ai/switchboard/runtime/workflow/cleanup"
	"github.com/switchboard-ai/switchboard/runtime/workflow/config"
	"github.com/switchboard-ai/switchboard/runtime/workflow/coordinator"
	"github.com/switchboard-ai/switchboard/runtime/workflow/stream"
	"github.com/switchboard-ai/switchboard/runtime/workflow/telemetry"
)

type (
	// deps holds the adapters selected by the configuration.
	deps struct {
		source    stream.Source
		publisher stream.Publisher
		engine    coordinator.Engine
		archiver  cleanup.Archiver
		pingers   []health.Pinger
		closers   []func(context.Context)
	}

	redisPinger struct {
		rdb *redis.Client
	}
)

func (p redisPinger) Name() string                   { return "redis" }
func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

// connect builds the event channel, engine and archive. Redis, Temporal and
// MongoDB are used when configured; otherwise the in-process channel and the
// local engine stand in and nothing is archived.
func connect(ctx context.Context, cfg config.Config, logger telemetry.Logger) (*deps, error) {
	d := &deps{}
	if err := d.connectChannel(ctx, cfg.Redis, logger); err != nil {
		d.close(ctx)
		return nil, err
	}
	if err := d.connectEngine(ctx, cfg.Temporal, logger); err != nil {
		d.close(ctx)
		return nil, err
	}
	if err := d.connectArchive(ctx, cfg.Mongo); err != nil {
		d.close(ctx)
		return nil, err
	}
	return d, nil
}

func (d *deps) connectChannel(ctx context.Context, cfg config.RedisConfig, logger telemetry.Logger) error {
	if cfg.Addr == "" {
		ch := inmem.New(inmem.Options{})
		d.source, d.publisher = ch, ch
		d.closers = append(d.closers, func(context.Context) { ch.Close() })
		log.Printf(ctx, "using in-process event channel")
		return nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password})
	d.closers = append(d.closers, func(context.Context) { _ = rdb.Close() })
	d.pingers = append(d.pingers, redisPinger{rdb: rdb})
	pc, err := clientspulse.New(clientspulse.Options{Redis: rdb})
	if err != nil {
		return err
	}
	src, err := pulse.NewSource(pulse.SourceOptions{Client: pc, Stream: cfg.Stream, SinkName: cfg.Sink, Logger: logger})
	if err != nil {
		return err
	}
	pub, err := pulse.NewPublisher(pulse.PublisherOptions{Client: pc, Stream: cfg.Stream})
	if err != nil {
		return err
	}
	d.source, d.publisher = src, pub
	log.Printf(ctx, "using pulse stream %q on %s", cfg.Stream, cfg.Addr)
	return nil
}

func (d *deps) connectEngine(ctx context.Context, cfg config.TemporalConfig, logger telemetry.Logger) error {
	if cfg.HostPort == "" {
		eng, err := local.New(local.Options{Publisher: d.publisher, Logger: logger})
		if err != nil {
			return err
		}
		d.engine = eng
		d.closers = append(d.closers, func(context.Context) { eng.Close() })
		log.Printf(ctx, "using local scripted engine")
		return nil
	}
	eng, err := temporal.New(temporal.Options{
		ClientOptions: &client.Options{HostPort: cfg.HostPort, Namespace: cfg.Namespace},
		TaskQueue:     cfg.TaskQueue,
		WorkflowType:  cfg.WorkflowType,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	d.engine = eng
	d.closers = append(d.closers, func(context.Context) { eng.Close() })
	log.Printf(ctx, "using temporal engine at %s (task queue %q)", cfg.HostPort, cfg.TaskQueue)
	return nil
}

func (d *deps) connectArchive(ctx context.Context, cfg config.MongoConfig) error {
	if cfg.URI == "" {
		return nil
	}
	mc, err := mongodriver.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return err
	}
	d.closers = append(d.closers, func(ctx context.Context) { _ = mc.Disconnect(ctx) })
	c, err := mongoc.New(mongoc.Options{Client: mc, Database: cfg.Database, Collection: cfg.Collection})
	if err != nil {
		return err
	}
	d.pingers = append(d.pingers, c)
	a, err := archivemongo.NewArchive(c)
	if err != nil {
		return err
	}
	d.archiver = a
	log.Printf(ctx, "archiving evicted workflows to %s.%s", cfg.Database, cfg.Collection)
	return nil
}

// close releases resources in reverse acquisition order.
func (d *deps) close(ctx context.Context) {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i](ctx)
	}
}
