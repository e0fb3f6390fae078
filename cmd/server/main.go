package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Tyrowin/clipsync/internal/server"
)

type rootOptions struct {
	configPath string
	envFile    string
	port       string
	logLevel   string
	logFormat  string
	redisAddr  string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "clipsync",
		Short:         "Relay clipboard contents between devices that share a room code",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	flags.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	flags.StringVar(&opts.port, "port", "", "listen address or port (overrides SERVER_PORT/PORT)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format: console or json")
	flags.StringVar(&opts.redisAddr, "redis-addr", "", "Redis address for relaying between instances")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the relay (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	})
	root.AddCommand(newConfigCommand(opts))

	return root
}

// loadConfig layers file, dotenv and environment, then applies the flags the
// user actually set on top.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (*server.Config, error) {
	cfg, err := server.LoadConfig(opts.configPath, opts.envFile)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = opts.port
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = opts.logFormat
	}
	if flags.Changed("redis-addr") {
		cfg.Redis.Addr = opts.redisAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
