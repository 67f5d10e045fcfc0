// Command golemreplayd runs the durable worker replay daemon: a
// SQLite-backed oplog store plus a read-only debug HTTP/WebSocket
// surface and a read-only gRPC lookup service.
package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/golemrt/durable/internal/authgate"
	"github.com/golemrt/durable/internal/config"
	"github.com/golemrt/durable/internal/debugapi"
	"github.com/golemrt/durable/internal/durablestore"
	"github.com/golemrt/durable/internal/grpcoplog"
	"github.com/golemrt/durable/internal/logger"
	"github.com/golemrt/durable/internal/wireval"
)

func main() {
	root := &cobra.Command{
		Use:   "golemreplayd",
		Short: "durable worker oplog store and replay debug surface",
		RunE:  run,
	}

	root.Flags().String("config", "", "path to golemreplay.yaml (defaults to ~/.golemreplay/golemreplay.yaml)")
	root.Flags().String("log-level", "info", "log level: debug, info, warn, error")
	root.AddCommand(keygenCmd())
	root.AddCommand(tokenCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an operator signing key (EC P-256) for the debug surface",
		Long:  "Generates an ECDSA P-256 private key for signing operator JWTs and prints it as base64-DER,\nalongside the matching public key to configure as operator_public_key_path.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, encoded, err := authgate.GenerateOperatorKey()
			if err != nil {
				return err
			}
			pubKey, err := authgate.MarshalECPublicKey(&key.PublicKey)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "private key (keep secret, use for `golemreplayd token`): %s\n", encoded)
			fmt.Fprintf(cmd.OutOrStdout(), "public key (write to the file named by operator_public_key_path): %s\n", pubKey)
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var keyEnv, operator string
	var ttl time.Duration
	c := &cobra.Command{
		Use:   "token",
		Short: "Issue a short-lived operator JWT for the debug surfaces",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := authgate.ParseOperatorKeyFromEnv(os.Getenv(keyEnv))
			if err != nil {
				return err
			}
			tok, exp, err := authgate.IssueOperatorToken(key, operator, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n(expires %s)\n", tok, exp.Format(time.RFC3339))
			return nil
		},
	}
	c.Flags().StringVar(&keyEnv, "key-env", "GOLEM_REPLAY_OPERATOR_KEY", "environment variable holding the base64-DER operator private key")
	c.Flags().StringVar(&operator, "operator", "", "operator identity to embed in the token's subject claim")
	c.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return c
}

func run(cmd *cobra.Command, _ []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	if err := logger.Init(logLevel, ""); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	log := logger.Log

	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		dir, err := config.GetUserConfigDir()
		if err != nil {
			return fmt.Errorf("resolve config dir: %w", err)
		}
		configPath = filepath.Join(dir, "golemreplay.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.EnsureDataDir(cfg.DataDir); err != nil {
		return fmt.Errorf("ensure data dir: %w", err)
	}

	storeOpts := []durablestore.Option{durablestore.WithLogger(log)}
	if cfg.RestEncryption.Enabled {
		keyBytes, err := os.ReadFile(cfg.RestEncryption.MasterKeyPath)
		if err != nil {
			return fmt.Errorf("read rest-encryption master key: %w", err)
		}
		seal, err := durablestore.NewSealer(keyBytes)
		if err != nil {
			return fmt.Errorf("init sealer: %w", err)
		}
		storeOpts = append(storeOpts, durablestore.WithSealer(seal))
	}

	watch, err := durablestore.NewGrowthWatcher(cfg.WALPath(), log)
	if err != nil {
		log.Warn("golemreplayd: growth watcher unavailable, tail endpoint will be degraded", "error", err)
	} else {
		storeOpts = append(storeOpts, durablestore.WithGrowthWatcher(watch))
		defer watch.Close()
	}

	store, err := durablestore.Open(cfg.SQLiteDSN(), storeOpts...)
	if err != nil {
		return fmt.Errorf("open durable store: %w", err)
	}
	defer store.Close()

	var authKey *ecdsa.PublicKey
	if cfg.OperatorPublicKeyPath != "" {
		raw, err := os.ReadFile(cfg.OperatorPublicKeyPath)
		if err != nil {
			return fmt.Errorf("read operator public key: %w", err)
		}
		authKey, err = authgate.ParseECPublicKey(string(raw))
		if err != nil {
			return fmt.Errorf("parse operator public key: %w", err)
		}
	} else {
		log.Warn("golemreplayd: no operator_public_key_path configured, debug/gRPC surfaces are unauthenticated")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.DebugAddr != "" {
		debugCfg := debugapi.DefaultConfig(cfg.DebugAddr)
		debugCfg.DefaultChunk = cfg.LookupChunkSize
		debugCfg.MaxChunk = cfg.LookupChunkSize
		if cfg.RateLimit.RequestsPerSecond > 0 {
			debugCfg.RateReqPerSec = cfg.RateLimit.RequestsPerSecond
			debugCfg.RateBurst = cfg.RateLimit.Burst
		}
		debugSrv := debugapi.New(debugCfg, store, wireval.Decoder{}, watch, authKey, log)
		g.Go(func() error {
			log.Info("golemreplayd: debug API listening", "addr", cfg.DebugAddr)
			return debugSrv.ListenAndServe(ctx)
		})
	}

	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		grpcSrv := grpcoplog.New(store, wireval.Decoder{}, authKey, log)
		g.Go(func() error {
			log.Info("golemreplayd: gRPC lookup service listening", "addr", cfg.GRPCAddr)
			return grpcSrv.Serve(ctx, lis)
		})
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("golemreplayd: shut down cleanly")
	return nil
}
