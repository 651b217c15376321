// Command rxserver serves a builtin engine over the cproto protocol.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nickyhof/rxbind/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set at build time via -ldflags
var Version = "dev"

const envPrefix = "RXSERVER"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configFile string

	cmd := &cobra.Command{
		Use:          "rxserver",
		Short:        "Document database server speaking cproto",
		Version:      Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(v, cmd, configFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "config file (yaml, toml or json)")
	flags.String("addr", ":6534", "TCP address to listen on")
	flags.String("path", "", "storage directory (memory if empty)")
	flags.String("remote", "", "git URL the storage directory is cloned from")
	flags.Int("max-connections", 0, "maximum concurrent sessions (0 = unlimited)")
	flags.String("metrics-addr", "", "address serving /metrics (disabled if empty)")
	flags.String("jwt-secret", "", "shared secret for JWT logins")
	flags.String("jwt-issuer", "", "expected JWT issuer")
	flags.String("jwt-audience", "", "expected JWT audience")
	flags.StringSlice("users", nil, "password users as user:bcrypthash")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")
	return cmd
}

// loadConfig layers flags over RXSERVER_* variables over the config file
func loadConfig(v *viper.Viper, cmd *cobra.Command, configFile string) error {
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile == "" {
		return nil
	}
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config %s: %w", configFile, err)
	}
	return nil
}

func serverConfig(v *viper.Viper) (Config, error) {
	users, err := parseUsers(v.GetStringSlice("users"))
	if err != nil {
		return Config{}, err
	}
	return Config{
		Path:           v.GetString("path"),
		Remote:         v.GetString("remote"),
		MaxConnections: v.GetInt("max-connections"),
		MetricsAddr:    v.GetString("metrics-addr"),
		Auth: &AuthConfig{
			JWTSecret: v.GetString("jwt-secret"),
			Issuer:    v.GetString("jwt-issuer"),
			Audience:  v.GetString("jwt-audience"),
			Users:     users,
		},
	}, nil
}

func run(v *viper.Viper) error {
	logger.Init(logger.Config{
		Level:  v.GetString("log-level"),
		Format: v.GetString("log-format"),
	})
	log := logger.Get()

	cfg, err := serverConfig(v)
	if err != nil {
		return err
	}
	cfg.Logger = log
	if cfg.Path == "" {
		log.Info("using memory storage")
	} else {
		log.Info("using directory storage", "path", cfg.Path)
	}

	server, err := NewServer(cfg)
	if err != nil {
		return err
	}
	if err := server.Start(v.GetString("addr")); err != nil {
		return err
	}
	log.Info("rxserver started", "version", Version, "addr", server.Addr())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	return server.Stop()
}
