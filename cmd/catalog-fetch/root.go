package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Sternrassler/tcg-catalog-fetcher/internal/config"
	"github.com/Sternrassler/tcg-catalog-fetcher/pkg/checkpoint"
	"github.com/Sternrassler/tcg-catalog-fetcher/pkg/logging"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// app carries the resolved configuration to subcommands.
type app struct {
	v   *viper.Viper
	cfg config.Config
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	a := &app{v: v}

	cmd := &cobra.Command{
		Use:           "catalog-fetch",
		Short:         "Fetch the complete card catalog into a JSON snapshot",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.BindFlags(a.v, cmd.Flags()); err != nil {
				return err
			}
			cfg, err := config.Load(a.v)
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			a.cfg = cfg

			logCfg := cfg.Logging()
			logCfg.Output = os.Stderr
			logging.Setup(logCfg)
			return nil
		},
	}

	config.AddFlags(cmd.PersistentFlags())

	cmd.AddCommand(newRunCommand(a))
	cmd.AddCommand(newCheckpointCommand(a))

	return cmd
}

// openStore builds the configured checkpoint backend. The returned close
// function releases backend connections.
func (a *app) openStore(ctx context.Context) (checkpoint.Store, func(), error) {
	switch a.cfg.CheckpointBackend {
	case config.BackendRedis:
		redisClient := redis.NewClient(&redis.Options{
			Addr: a.cfg.RedisAddr,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			redisClient.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", a.cfg.RedisAddr, err)
		}
		store := checkpoint.NewRedisStore(redisClient, a.cfg.RedisKey, a.cfg.PageSize, a.cfg.RedisTTL)
		return store, func() { redisClient.Close() }, nil
	default:
		store := checkpoint.NewFileStore(a.cfg.CheckpointPath, a.cfg.PageSize)
		return store, func() {}, nil
	}
}
