package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"codepair/internal/bus"
	"codepair/internal/config"
	"codepair/internal/pool"
	"codepair/internal/relay"
	"codepair/internal/sandbox"
	"codepair/internal/sandbox/container"
	"codepair/internal/sandbox/judge"
	"codepair/internal/sandbox/local"
	"codepair/internal/sandbox/microvm"
	"codepair/internal/store"
	"codepair/internal/watcher"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()

	// Interview metadata.
	st, err := store.Open(ctx, cfg.Store.DSN)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer st.Close()
	if cfg.Store.Seed {
		if n, err := st.SeedQuestions(ctx, store.DefaultQuestions); err != nil {
			log.Printf("store: seed questions: %v", err)
		} else if n > 0 {
			log.Printf("store: seeded %d questions", n)
		}
	}

	// Execution backends.
	backends := map[sandbox.Kind]sandbox.Backend{
		sandbox.KindContainer: container.New(container.Config{
			DockerBinary: cfg.Sandbox.Container.Binary,
			CPUs:         cfg.Sandbox.Container.CPUs,
			Memory:       cfg.Sandbox.Container.Memory,
			PidsLimit:    cfg.Sandbox.Container.PidsLimit,
			JobDir:       cfg.Sandbox.Container.JobDir,
			Timeout:      cfg.Sandbox.Timeout,
		}),
		sandbox.KindJudge: judge.New(judge.Config{
			URL:     cfg.Sandbox.Judge.URL,
			Timeout: cfg.Sandbox.Timeout,
		}),
		sandbox.KindLocal: local.New(local.Config{Timeout: cfg.Sandbox.Timeout}),
	}

	var vmPool *pool.Pool[microvm.VM]
	if cfg.Sandbox.MicroVM.URL != "" {
		client := microvm.NewClient(microvm.ClientConfig{
			BaseURL:    cfg.Sandbox.MicroVM.URL,
			Token:      cfg.Sandbox.MicroVM.Token,
			Runtime:    cfg.Sandbox.MicroVM.Runtime,
			SnapshotID: cfg.Sandbox.MicroVM.SnapshotID,
			VMTimeout:  cfg.Sandbox.Pool.MaxLifetime,
		})
		vmPool = pool.New[microvm.VM](client.Provision, pool.Config{
			IdleTimeout: cfg.Sandbox.Pool.IdleTimeout,
			MaxLifetime: cfg.Sandbox.Pool.MaxLifetime,
		})
		backends[sandbox.KindMicroVM] = microvm.New(microvm.Config{
			Provisioner: client,
			Pool:        vmPool,
			WorkDir:     cfg.Sandbox.MicroVM.WorkDir,
			Timeout:     cfg.Sandbox.Timeout,
		})
	}

	orch := sandbox.NewOrchestrator(sandbox.BuildChain(cfg.Sandbox.Order, backends, cfg.Sandbox.Hosted), cfg.Sandbox.Timeout)
	log.Printf("sandbox: chain %v", orch.Chain())

	var chainWatch *watcher.Watcher
	if cfg.Sandbox.ChainFile != "" {
		chainWatch = watcher.New(cfg.Sandbox.ChainFile, func(cf sandbox.ChainFile) {
			orch.SetChain(sandbox.BuildChain(cf.Order, backends, cfg.Sandbox.Hosted, cf.Disabled...))
			log.Printf("sandbox: chain %v", orch.Chain())
		})
		if err := chainWatch.Start(); err != nil {
			log.Printf("watcher: %v", err)
			chainWatch = nil
		}
	}

	// Cross-node fan-out.
	opts := relay.Options{Store: st, StaticDir: cfg.HTTP.StaticDir}
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis: %v", err)
		}
		b := bus.New(rdb, cfg.Redis.Prefix)
		opts.Bus = b
		log.Printf("bus: node %s on %s", b.NodeID(), cfg.Redis.Addr)
	}

	rooms := relay.NewRegistry(cfg.Relay.GracePeriod, nil)
	srv := relay.New(rooms, orch, opts)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv.Handler(),
	}

	// Graceful shutdown on signals.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		<-sigCh
		log.Println("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		if chainWatch != nil {
			chainWatch.Shutdown()
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("http: shutdown: %v", err)
			httpServer.Close()
		}
		rooms.Close()
		if vmPool != nil {
			vmPool.Close(shutdownCtx)
		}
		if rdb != nil {
			rdb.Close()
		}
		close(done)
	}()

	log.Printf("codepair relay running on http://localhost:%d", cfg.HTTP.Port)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("HTTP server error: %v", err)
	}
	<-done
}
