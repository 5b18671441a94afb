package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/cuemby/gantry/pkg/admission"
	"github.com/cuemby/gantry/pkg/balancer"
	"github.com/cuemby/gantry/pkg/breaker"
	"github.com/cuemby/gantry/pkg/cache"
	"github.com/cuemby/gantry/pkg/config"
	"github.com/cuemby/gantry/pkg/events"
	"github.com/cuemby/gantry/pkg/gateway"
	"github.com/cuemby/gantry/pkg/invoker"
	"github.com/cuemby/gantry/pkg/log"
	"github.com/cuemby/gantry/pkg/orchestrator"
	"github.com/cuemby/gantry/pkg/pool"
	"github.com/cuemby/gantry/pkg/prober"
	"github.com/cuemby/gantry/pkg/registry"
	"github.com/cuemby/gantry/pkg/translator"
	"github.com/cuemby/gantry/pkg/types"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge",
	Long: `Start the Gantry bridge: the HTTP gateway, the health prober, and
the full dispatch pipeline. Without --config every documented default
applies; a config file only needs the options it changes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		listen, _ := cmd.Flags().GetString("listen")

		cfg := config.Default()
		if path != "" {
			loaded, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg = loaded
		}
		if listen != "" {
			cfg.ListenAddr = listen
		}
		return serve(cfg)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML config file")
	serveCmd.Flags().String("listen", "", "Listen address override (e.g. :8080)")
}

func serve(cfg *config.Config) error {
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	logger := log.WithComponent("main")

	reg := registry.New(cfg.RegistryShards, registry.WithGrace(cfg.ServiceGrace))

	broker := events.NewBroker(cfg.EventQueueSize)
	broker.Start()

	pools := pool.NewManager(pool.Config{
		ChannelsPerInstance:  cfg.PoolChannelsPerInstance,
		ChannelMax:           cfg.PoolChannelMax,
		MaxConcurrentStreams: cfg.PoolMaxConcurrentStreams,
		IdleTimeout:          cfg.PoolIdleTimeout,
		DrainTimeout:         cfg.PoolDrainTimeout,
		Keepalive:            cfg.PoolKeepalive,
		WarmOnAdd:            cfg.PoolWarmOnAdd,
	})
	if cfg.PoolWarmOnAdd {
		reg.AddHook = func(service string, inst *types.ServiceInstance) {
			if err := pools.Warm(inst); err != nil {
				logger.Warn().Err(err).
					Str("service", service).
					Str("instance", inst.InstanceID).
					Msg("channel warm-up failed")
			}
		}
	}

	breakers := breaker.NewSet(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		MinSamples:       cfg.BreakerMinSamples,
		Window:           cfg.BreakerWindow,
		BaseCooldown:     cfg.BreakerOpenCooldown,
		MaxCooldown:      cfg.BreakerMaxCooldown,
		HalfOpenProbes:   cfg.BreakerHalfOpenProbes,
	})

	bal := balancer.New(balancer.Config{
		Alpha:          cfg.LBP2CAlpha,
		Beta:           cfg.LBP2CBeta,
		Replicas:       cfg.LBCHReplicas,
		OverloadFactor: cfg.LBCHOverloadFactor,
		DefaultPolicy:  cfg.LBPolicy,
	})

	cacheCfg := cache.Config{
		Capacity: cfg.CacheCapacity,
		Shards:   cfg.CacheShards,
	}
	if cfg.RedisAddr != "" {
		cacheCfg.Mirror = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		logger.Info().Str("addr", cfg.RedisAddr).Msg("cache mirror enabled")
	}
	respCache := cache.New(cacheCfg)

	admit := admission.New(admission.Config{
		MaxInflight: cfg.MaxInflightRequests,
		QueueSize:   cfg.AdmissionQueueSize,
		Rate:        cfg.RatelimitRate,
		Burst:       cfg.RatelimitBurst,
		MaxBuckets:  cfg.RatelimitBucketsLRUSize,
	})

	inv := invoker.New(invoker.Config{
		EgressBudget:     cfg.EgressBudget,
		RetryMaxAttempts: cfg.RetryMaxAttempts,
		RetryBase:        cfg.RetryBase,
		RetryMult:        cfg.RetryMult,
		RetryCap:         cfg.RetryCap,
		RetryJitterPct:   cfg.RetryJitterPct,
		HedgeDelay:       cfg.HedgeDelay,
		CompressMin:      cfg.CompressionMinBytes,
	})

	trans := translator.New(cfg.StrictFields)

	orc := orchestrator.New(orchestrator.Config{
		DefaultDeadline: cfg.DefaultRequestDeadline,
		NegativeTTL:     cfg.CacheNegativeTTL,
	}, orchestrator.Deps{
		Registry:   reg,
		Balancer:   bal,
		Breakers:   breakers,
		Pools:      pools,
		Invoker:    inv,
		Translator: trans,
		Cache:      respCache,
		Admission:  admit,
		Broker:     broker,
	})

	probe := prober.New(prober.Config{
		Interval:   cfg.HealthProbeInterval,
		Timeout:    cfg.HealthProbeTimeout,
		MaxBackoff: cfg.HealthBackoffMax,
	}, reg, pools, breakers, broker)
	probe.Start(context.Background())

	gw := gateway.New(gateway.Config{
		ListenAddr:   cfg.ListenAddr,
		BasePrefix:   cfg.BasePrefix,
		AdminEnabled: cfg.AdminEnabled,
	}, orc, reg)

	errCh := make(chan error, 1)
	go func() {
		if err := gw.Start(); err != nil {
			errCh <- fmt.Errorf("gateway: %w", err)
		}
	}()

	logger.Info().
		Str("version", Version).
		Str("listen", cfg.ListenAddr).
		Str("prefix", "/"+cfg.BasePrefix).
		Bool("admin", cfg.AdminEnabled).
		Msg("gantry started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("gateway failed")
	}

	// Teardown mirrors the boot order: stop accepting traffic, then stop
	// the control plane, then drain the data plane.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := gw.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("gateway shutdown")
	}
	probe.Stop()
	pools.Close()
	broker.Stop()

	logger.Info().Msg("shutdown complete")
	return nil
}
