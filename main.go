// main.go
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"stressmonitor/agent"
	"stressmonitor/analysis"
	"stressmonitor/broker"
	"stressmonitor/config"
	"stressmonitor/engine"
	"stressmonitor/hub"
	"stressmonitor/metrics"
	"stressmonitor/server"
	"stressmonitor/shell"
	"stressmonitor/store"
	"stressmonitor/summarizer"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath string
	listenAddr string
)

var rootCmd = &cobra.Command{
	Use:          "stressmonitor",
	Short:        "Live monitor for side-by-side telephony load tests",
	Long:         "stressmonitor ingests progress from two load agents, decides when each system explodes and streams every event to dashboard observers.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := applyListenAddr(cfg, listenAddr); err != nil {
			return err
		}
		setupLogging(cfg)
		return run(cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a JSON or YAML config file (default: environment)")
	rootCmd.Flags().StringVar(&listenAddr, "addr", "", "Listen address host:port, overrides the config")
	rootCmd.AddCommand(checkTargetsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		cfg := config.LoadFromEnv()
		return cfg, cfg.Validate()
	}
	return config.LoadFromFile(configPath)
}

func applyListenAddr(cfg *config.Config, addr string) error {
	if addr == "" {
		return nil
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return errors.Wrapf(err, "invalid --addr %q", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return errors.Wrapf(err, "invalid port in --addr %q", addr)
	}
	cfg.Host = host
	cfg.Port = port
	return nil
}

func setupLogging(cfg *config.Config) {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithError(err).Warnf("unknown log level %q, using info", cfg.LogLevel)
		level = log.InfoLevel
	}
	log.SetLevel(level)
	if cfg.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

func createBroker(cfg *config.Config) (broker.Broker, error) {
	switch cfg.BrokerType {
	case "redis":
		b, err := broker.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		log.WithField("addr", cfg.RedisAddr).Info("using redis broker")
		return b, nil
	default:
		log.Info("using local broker")
		return broker.NewLocal(), nil
	}
}

// createStore returns the result store and a func releasing it.
func createStore(ctx context.Context, cfg *config.Config) (store.ResultStore, func(), error) {
	if cfg.ResultStore != config.StoreRedis {
		log.WithField("path", cfg.ResultsPath).Info("persisting run results to file")
		return store.NewFileStore(cfg.ResultsPath), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, errors.Wrapf(err, "ping redis at %s", cfg.RedisAddr)
	}
	log.WithFields(log.Fields{"addr": cfg.RedisAddr, "key": cfg.ResultsKey}).Info("persisting run results to redis")
	return store.NewRedisStore(client, cfg.ResultsKey), func() { client.Close() }, nil
}

// buildRelays sets up a shell relay for every target with a shell host.
// A target whose SSH settings are unusable is logged and left without one.
func buildRelays(cfg *config.Config) map[string]*shell.Relay {
	relays := make(map[string]*shell.Relay, len(cfg.Targets))
	for _, t := range cfg.Targets {
		if t.ShellHost == "" {
			continue
		}
		d, err := shell.NewSSHDialer(t)
		if err != nil {
			log.WithError(err).WithField("system", t.SystemID).Warn("terminal disabled")
			continue
		}
		relays[t.SystemID] = shell.NewRelay(t.SystemID, d)
	}
	return relays
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := createBroker(cfg)
	if err != nil {
		return err
	}
	results, closeStore, err := createStore(ctx, cfg)
	if err != nil {
		b.Close()
		return err
	}
	defer closeStore()

	h := hub.New(cfg.ShardCount, b)
	eng := engine.New(cfg, results, h, agent.New(cfg.AgentTimeout.Duration))
	if err := eng.Restore(ctx); err != nil {
		h.Shutdown()
		return err
	}
	job := analysis.New(eng, results, h, summarizer.New(cfg.Summarizer), cfg.AnalysisDebounce.Duration)
	eng.SetScheduler(job)
	srv := server.New(cfg, h, eng, buildRelays(cfg))

	log.WithFields(log.Fields{
		"broker":      cfg.BrokerType,
		"store":       cfg.ResultStore,
		"policy":      cfg.ExplosionPolicy,
		"debounce":    cfg.AnalysisDebounce.Duration,
		"summarizer":  cfg.Summarizer.URL != "",
		"compression": cfg.CompressionEnabled,
	}).Info("stress monitor running")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "http server")
		}
		return nil
	})

	var metricsSrv *http.Server
	if cfg.MetricsEnabled {
		metricsSrv = metrics.NewServer(fmt.Sprintf(":%d", cfg.MetricsPort))
		g.Go(func() error {
			log.WithField("addr", metricsSrv.Addr).Info("metrics listening")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return errors.Wrap(err, "metrics server")
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if metricsSrv != nil {
			metricsSrv.Shutdown(shutdownCtx)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("http shutdown")
		}

		done := make(chan struct{})
		go func() {
			job.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-shutdownCtx.Done():
			log.Warn("analysis still running at shutdown")
		}
		return nil
	})

	err = g.Wait()
	log.Info("server stopped")
	return err
}
