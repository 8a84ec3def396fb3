// Command agent runs one participant of a collabink session and serves
// a local websocket feed for the browser UI.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"collabink/internal/config"
	"collabink/internal/discovery"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	v.SetDefault("listen_addr", ":8080")
	var configFile string

	root := &cobra.Command{
		Use:          "collabink-agent",
		Short:        "Join a collabink session as teacher or student",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file (yaml, json or toml)")
	root.PersistentFlags().String("log-level", "info", "debug, info, warn or error")
	bindFlags(v, root, map[string]string{"log.level": "log-level"})

	load := func() (config.Config, *slog.Logger, error) {
		cfg, err := config.Load(v, configFile)
		if err != nil {
			return config.Config{}, nil, err
		}
		logger, err := cfg.Log.NewLogger(os.Stderr)
		if err != nil {
			return config.Config{}, nil, err
		}
		slog.SetDefault(logger)
		return cfg, logger, nil
	}

	root.AddCommand(newRunCmd(v, load), newDiscoverCmd(load))
	return root
}

func bindFlags(v *viper.Viper, cmd *cobra.Command, keys map[string]string) {
	for key, flag := range keys {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			f = cmd.PersistentFlags().Lookup(flag)
		}
		if err := v.BindPFlag(key, f); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}
}

type loader func() (config.Config, *slog.Logger, error)

func newRunCmd(v *viper.Viper, load loader) *cobra.Command {
	var uiDir string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a participant and serve the local UI feed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			p, err := openParticipant(ctx, cfg, logger)
			if err != nil {
				return err
			}
			return p.run(ctx, uiDir)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&uiDir, "ui", "", "directory of static UI files to serve at /")
	flags.String("session", "", "session id")
	flags.String("client-id", "", "client id; generated when empty")
	flags.String("name", "", "display name")
	flags.Bool("admin", false, "join as the teacher")
	flags.String("transport", config.TransportRelay, "relay or redis")
	flags.String("relay-url", "http://localhost:8081", "relay root url")
	flags.String("redis-addr", "", "redis address for the redis transport")
	flags.String("database-url", "", "postgres url for a teacher on the redis transport")
	flags.String("queue-path", "", "bolt file for the offline queue; empty keeps it in memory")
	flags.String("addr", ":8080", "address of the local UI feed")
	flags.Duration("debounce", 250*time.Millisecond, "quiet period before local ink is broadcast")
	flags.Bool("announce", false, "announce this agent over mDNS")
	flags.Int("history-limit", 100, "diagram undo depth; negative keeps every step")
	bindFlags(v, cmd, map[string]string{
		"session":       "session",
		"client_id":     "client-id",
		"name":          "name",
		"admin":         "admin",
		"transport":     "transport",
		"relay_url":     "relay-url",
		"redis_addr":    "redis-addr",
		"database_url":  "database-url",
		"queue_path":    "queue-path",
		"listen_addr":   "addr",
		"debounce":      "debounce",
		"announce":      "announce",
		"history_limit": "history-limit",
	})
	return cmd
}

func newDiscoverCmd(load loader) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List relays and agents announced on the local network",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, _, err := load(); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			peers, err := discovery.Browse(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(peers) == 0 {
				fmt.Fprintln(out, "no peers found")
				return nil
			}
			for _, p := range peers {
				fmt.Fprintf(out, "%s\t%s\trole=%s session=%s\n", p.Instance, p.URL(), p.Text["role"], p.Text["session"])
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to browse")
	return cmd
}
