package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/trickstertwo/xtrack/indexer"
)

func newIndexCmd(a *app) *cobra.Command {
	var (
		prune   bool
		since   time.Duration
		workers int
	)
	c := &cobra.Command{
		Use:   "index [dir]",
		Short: "Scan a directory and upsert the tracks it contains",
		Long: `Scan dir (default XTRACK_LIBRARY) for audio files and write their tags
to the configured store. Files already indexed keep their id.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := a.cfg.Library
			if len(args) == 1 {
				root = args[0]
			}
			if root == "" {
				return errors.New("index: no directory given and XTRACK_LIBRARY is empty")
			}

			s, err := openStore(a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer s.Close()

			opts := []indexer.Option{indexer.WithLogger(a.logger)}
			if workers > 0 {
				opts = append(opts, indexer.WithWorkers(workers))
			}
			ix := indexer.New(s, opts...)

			ctx := cmd.Context()
			var res indexer.Result
			if since > 0 {
				res, err = ix.Freshen(ctx, root, time.Now().Add(-since))
			} else {
				res, err = ix.Index(ctx, root)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "scanned %d, indexed %d, skipped %d in %s\n",
				res.Scanned, res.Indexed, res.Skipped, res.Elapsed.Round(time.Millisecond))

			if prune {
				n, err := ix.Prune(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "pruned %d\n", n)
			}
			return nil
		},
	}
	c.Flags().BoolVar(&prune, "prune", false, "delete tracks whose files no longer exist")
	c.Flags().DurationVar(&since, "since", 0, "only index files modified within this duration")
	c.Flags().IntVar(&workers, "workers", 0, "tag reading goroutines (default: number of CPUs)")
	return c
}
