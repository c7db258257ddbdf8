package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	otelnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/mohammad-safakhou/stepwise/config"
	"github.com/mohammad-safakhou/stepwise/internal/agent/core"
	"github.com/mohammad-safakhou/stepwise/internal/agent/telemetry"
	"github.com/mohammad-safakhou/stepwise/internal/queue/streams"
	"github.com/mohammad-safakhou/stepwise/internal/store"
	"github.com/mohammad-safakhou/stepwise/internal/tool"
	"github.com/mohammad-safakhou/stepwise/internal/worker"
	"github.com/mohammad-safakhou/stepwise/provider"
)

func workerCMD() *cobra.Command {
	var cfgPath string
	var cmd = &cobra.Command{
		Use:   "worker",
		Short: "Run task workers consuming the task stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			st, err := store.NewWithDSN(ctx, cfg.Storage.PostgresDSN())
			if err != nil {
				return fmt.Errorf("store init: %w", err)
			}

			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Storage.RedisAddr(),
				Password: cfg.Storage.Redis.Password,
				DB:       cfg.Storage.Redis.DB,
			})
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis ping: %w", err)
			}
			defer func() { _ = rdb.Close() }()

			if err := streams.EnsureGroup(ctx, rdb, cfg.Worker.TaskStream, cfg.Worker.Group); err != nil {
				return fmt.Errorf("ensure task group: %w", err)
			}

			gateway, err := provider.NewGateway(cfg.LLM)
			if err != nil {
				return fmt.Errorf("gateway init: %w", err)
			}
			registry, err := buildRegistry(cfg)
			if err != nil {
				return fmt.Errorf("registry init: %w", err)
			}

			tel := telemetry.NewTelemetry(cfg.Telemetry)
			engine := core.NewOrchestrator(cfg, gateway, registry, tel)

			pool := worker.NewBackgroundPool(cfg.Worker.BackgroundWorkers, cfg.Worker.BackgroundQueue)
			pool.Start(ctx)
			defer pool.Close()

			publisher := streams.NewPublisher(rdb)

			concurrency := cfg.Worker.Concurrency
			if concurrency < 1 {
				concurrency = 1
			}
			meter := otelnoop.NewMeterProvider().Meter("worker")
			tracer := tracenoop.NewTracerProvider().Tracer("worker")

			var wg sync.WaitGroup
			for i := 0; i < concurrency; i++ {
				name := fmt.Sprintf("worker-%s", uuid.NewString()[:8])
				consumer := streams.NewConsumer(rdb, cfg.Worker.Group, name)
				logger := log.New(os.Stdout, "[WORKER] ", log.LstdFlags)
				proc := worker.NewProcessor(logger, name, st, engine, publisher, consumer, pool,
					cfg.Worker.TaskStream, cfg.Worker.ArchiveStream, meter, tracer)
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := proc.Start(ctx); err != nil {
						log.Printf("worker processor exited: %v", err)
					}
				}()
			}
			wg.Wait()
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return cmd
}

// buildRegistry wires every configured endpoint as an HTTP-backed tool.
// An endpoint keyed by an unknown identifier fails startup rather than
// silently registering a tool the reasoner can never select.
func buildRegistry(cfg *config.Config) (*tool.Registry, error) {
	client := tool.NewHTTPClient(cfg.Tools.DefaultTimeout, cfg.Tools.Retries, 0)
	var tools []tool.Tool
	for name, ep := range cfg.Tools.Endpoints {
		id, err := tool.ParseIdentifier(name)
		if err != nil {
			return nil, fmt.Errorf("tools.endpoints.%s: %w", name, err)
		}
		remote, err := tool.NewRemote(id, ep.Endpoint, ep.APIKey, client)
		if err != nil {
			return nil, err
		}
		tools = append(tools, remote)
	}
	return tool.NewRegistry(tools...)
}
