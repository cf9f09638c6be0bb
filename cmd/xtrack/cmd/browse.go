package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/trickstertwo/xtrack/bus"
	"github.com/trickstertwo/xtrack/dispatch"
	"github.com/trickstertwo/xtrack/query"
	"github.com/trickstertwo/xtrack/track"
	"github.com/trickstertwo/xtrack/tracklist"
)

func newBrowseCmd(a *app) *cobra.Command {
	var (
		offset  int
		count   int
		limit   int
		timeout time.Duration
	)
	c := &cobra.Command{
		Use:   "browse [filter]",
		Short: "Search the library and page through the results",
		Long: `Resolve filter to a track list through the configured transport and
print count rows starting at offset. Rows are fetched window by window
like a scrolling view would.

Filter terms: @artist #album $title !genre, anything else matches all
four fields. Terms are ANDed and matched case-insensitively.`,
		Example: `  xtrack browse '@beatles #abbey'
  XTRACK_TRANSPORT=websocket xtrack browse --offset 100 --count 20 '!jazz'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := ""
			if len(args) == 1 {
				filter = args[0]
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			mb := bus.New(bus.WithLogger(a.logger))
			defer mb.Close()
			go func() { _ = mb.Run(ctx) }()

			d, closeDispatcher, err := newDispatcher(a.cfg, mb, a.logger)
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := closeDispatcher(sctx); err != nil {
					a.logger.Warn().Err(err).Msg("browse: close failed")
				}
			}()

			q := query.NewSearch(filter, limit)
			if d.EnqueueAndWait(q, timeout, nil) == dispatch.InvalidID {
				return fmt.Errorf("browse: search rejected: %w", q.Err())
			}
			if q.Status() != query.Finished {
				return fmt.Errorf("browse: search %s: %w", q.Status(), q.Err())
			}

			list := tracklist.New(d,
				tracklist.WithIDs(q.Result()...),
				tracklist.WithWindowRadius(a.cfg.TrackList.WindowRadius),
				tracklist.WithWaitTimeout(a.cfg.TrackList.WaitTimeout),
				tracklist.WithSyncTimeout(timeout),
				tracklist.WithLogger(a.logger),
			)
			return printRows(cmd, list, offset, count)
		},
	}
	c.Flags().IntVar(&offset, "offset", 0, "first row to print")
	c.Flags().IntVar(&count, "count", 50, "number of rows to print")
	c.Flags().IntVar(&limit, "limit", 0, "cap on search results (0: unlimited)")
	c.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "per-query timeout")
	return c
}

func printRows(cmd *cobra.Command, list *tracklist.TrackList, offset, count int) error {
	out := cmd.OutOrStdout()
	total := list.Count()
	fmt.Fprintf(out, "%d tracks\n", total)
	if total == 0 || count <= 0 {
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tID\tARTIST\tALBUM\tTITLE\tTIME")
	end := min(total, max(offset, 0)+count)
	for i := max(offset, 0); i < end; i++ {
		t := list.Get(i, false)
		if t.State != track.Loaded {
			fmt.Fprintf(tw, "%d\t%d\t<%s>\t\t\t\n", i, t.ID, t.State)
			continue
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\n", i, t.ID, t.Artist, t.Album, t.Title, clock(t.Duration))
	}
	return tw.Flush()
}

func clock(seconds int) string {
	if seconds <= 0 {
		return "-"
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}
