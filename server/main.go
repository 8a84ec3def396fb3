// Command server is the collabink relay. It bridges participant
// websockets to a Redis channel per session and serves the persistence
// API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"collabink/internal/config"
	"collabink/internal/discovery"
	"collabink/internal/relay"
	"collabink/internal/store"
	memstore "collabink/internal/store/memory"
	"collabink/internal/store/postgres"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var configFile string

	cmd := &cobra.Command{
		Use:          "collabink-relay",
		Short:        "Relay collabink sessions between participants",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			logger, err := cfg.Log.NewLogger(os.Stderr)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return serve(cmd.Context(), cfg, logger)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "config file (yaml, json or toml)")
	flags.String("addr", ":8081", "address to listen on")
	flags.String("redis-addr", "", "redis address; empty relays in process")
	flags.String("database-url", "", "postgres url; empty keeps diagrams in memory")
	flags.Bool("announce", false, "announce the relay over mDNS")
	bindFlags(v, cmd, map[string]string{
		"listen_addr":  "addr",
		"redis_addr":   "redis-addr",
		"database_url": "database-url",
		"announce":     "announce",
	})
	return cmd
}

func bindFlags(v *viper.Viper, cmd *cobra.Command, keys map[string]string) {
	for key, flag := range keys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	broker, closeBroker, err := openBroker(ctx, cfg.RedisAddr, logger)
	if err != nil {
		return err
	}
	defer closeBroker()

	st, closeStore, err := openStore(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newRouter(relay.New(broker, logger), st, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Announce {
		withdraw, err := announce(cfg.ListenAddr, logger)
		if err != nil {
			logger.Warn("mdns announce failed", "err", err)
		} else {
			defer withdraw()
		}
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("collabink relay listening", "addr", cfg.ListenAddr)
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func openBroker(ctx context.Context, addr string, logger *slog.Logger) (relay.Broker, func(), error) {
	if addr == "" {
		logger.Warn("no redis configured, relaying in process only")
		return relay.NewMemoryBroker(), func() {}, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("connect to redis %s: %w", addr, err)
	}
	logger.Info("connected to redis", "addr", addr)
	return relay.NewRedisBroker(rdb, logger), func() { _ = rdb.Close() }, nil
}

func openStore(ctx context.Context, url string, logger *slog.Logger) (store.Store, func(), error) {
	if url == "" {
		logger.Warn("no database configured, diagrams are kept in memory")
		return memstore.New(), func() {}, nil
	}
	pg, err := postgres.Connect(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("connected to postgres")
	return pg, pg.Close, nil
}

func announce(listenAddr string, logger *slog.Logger) (func(), error) {
	_, portText, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return nil, fmt.Errorf("parse listen addr %q: %w", listenAddr, err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return nil, fmt.Errorf("parse port %q: %w", portText, err)
	}
	return discovery.Announce("", port, map[string]string{"role": "relay"}, logger)
}
