package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/chatmap-cli/internal/cache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Maintain the stage and request cache",
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete expired request cache entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("cache"); err != nil {
			return err
		}
		backend, closeFn, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		rc := cache.NewRequestCache(backend,
			time.Duration(cfg.Cache.RequestTTLHours)*time.Hour,
			time.Duration(cfg.Cache.FailureTTLHours)*time.Hour,
		)
		n, err := rc.Prune(ctx)
		if err != nil {
			return eris.Wrap(err, "cache prune")
		}

		zap.L().Info("cache pruned", zap.Int("deleted", n), zap.String("driver", cfg.Cache.Driver))
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d expired entries.\n", n)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cachePruneCmd)
	rootCmd.AddCommand(cacheCmd)
}
