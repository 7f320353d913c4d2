package cli

import (
	"github.com/spf13/cobra"

	"hashprep/internal/stats"
)

func (a *app) newStatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count preimage, dictionary and hash records and log the totals",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			acc, err := stats.CollectAll(stats.New(cfg.PartitioningBits), cfg.Layout())
			if err != nil {
				return err
			}
			a.logger.Info("statistics", acc.Fields()...)
			return nil
		},
	}
	a.addConfigFlags(cmd)
	return cmd
}
