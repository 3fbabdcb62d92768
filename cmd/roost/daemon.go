package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/roosthq/roost/internal/adapters/postgres"
	adredis "github.com/roosthq/roost/internal/adapters/redis"
	"github.com/roosthq/roost/internal/cache"
	"github.com/roosthq/roost/internal/config"
	"github.com/roosthq/roost/internal/logging"
	"github.com/roosthq/roost/internal/metrics"
	"github.com/roosthq/roost/internal/module"
	"github.com/roosthq/roost/internal/pool"
	"github.com/roosthq/roost/internal/registry"
	"github.com/roosthq/roost/internal/request"
)

func daemonCmd() *cobra.Command {
	var (
		httpAddr          string
		requestTimeout    time.Duration
		invalidationRedis string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the cage",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.InitStructured(logFormat, logLevel)
			log := logging.Op()

			tp := sdktrace.NewTracerProvider()
			otel.SetTracerProvider(tp)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sweeper := pool.NewSweeper(sweepEvery)
			go sweeper.Run(ctx)

			reg := registry.New(config.NewDir(configDir), sweeper)
			reg.RegisterFactory("postgres", postgres.Factory)
			reg.RegisterFactory("redis", adredis.Factory)

			// Cross-cage cache invalidation: every cached pool broadcasts its
			// write evictions over Redis pub/sub and applies its siblings'.
			if invalidationRedis != "" {
				rdb := goredis.NewClient(&goredis.Options{Addr: invalidationRedis})
				reg.OnCacheCreated(func(name string, c *cache.RWCache) {
					b := cache.NewBroadcaster(c, rdb, "")
					go b.Start(ctx)
					log.Info("cache invalidation broadcast enabled", "resource", name)
				})
				defer rdb.Close()
			}

			loader := module.NewLoader(module.Options{
				CageDir:   cageDir,
				SharedDir: sharedDir,
				Node:      nodeName,
				Cage:      cageName,
				Provider:  reg,
			})

			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.HandleFunc("POST /call/{target}", callHandler(loader, requestTimeout))
			server := &http.Server{Addr: httpAddr, Handler: mux}
			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("http server failed", "error", err)
				}
			}()

			log.Info("cage started",
				"node", nodeName, "cage", cageName, "http", httpAddr,
				"config_dir", configDir, "cage_dir", cageDir)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			log.Info("cage stopping")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = server.Shutdown(shutdownCtx)
			shutdownCancel()
			sweeper.Stop()
			reg.StopAll()
			_ = tp.Shutdown(context.Background())
			log.Info("cage stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", ":8787", "HTTP address serving /metrics and /call")
	cmd.Flags().DurationVar(&requestTimeout, "request-timeout", 30*time.Second, "Deadline for incoming calls")
	cmd.Flags().StringVar(&invalidationRedis, "invalidation-redis", "", "Redis address for cross-cage cache invalidation (off when empty)")
	return cmd
}

// callHandler is the cage's minimal ingress: POST /call/module.method with a
// JSON array body of positional arguments.
func callHandler(loader *module.Loader, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var callArgs []any
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&callArgs); err != nil {
				http.Error(w, "body must be a JSON array", http.StatusBadRequest)
				return
			}
		}

		rc := request.New("http", "http", timeout, nil)
		rc.SetDescription(r.URL.Path)
		ctx := request.With(r.Context(), rc)

		result, err := loader.Call(ctx, r.PathValue("target"), callArgs, nil)
		if err != nil {
			logging.Op().Warn("call failed", "target", r.PathValue("target"), "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"result": result})
	}
}
