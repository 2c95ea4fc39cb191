package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rld013/arrival-rate-server/pkg/client"
)

var watchOpts struct {
	server   string
	apiKey   string
	rate     float64
	duration float64
	renew    bool
}

var watchCmd = &cobra.Command{
	Use:   "watch NAME",
	Short: "Print a schedule's arrivals as they become due",
	Long: "watch long-polls /NAME/wait until the schedule is done, printing one line per arrival. " +
		"With --rate and --duration it first creates (or replaces) the schedule.",
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	f := watchCmd.Flags()
	f.StringVar(&watchOpts.server, "server", "http://localhost:8080", "arrivald base URL")
	f.StringVar(&watchOpts.apiKey, "api-key", "", "API key sent as X-Api-Key")
	f.Float64Var(&watchOpts.rate, "rate", 0, "create the schedule with this many arrivals per second")
	f.Float64Var(&watchOpts.duration, "duration", 0, "create the schedule spanning this many seconds")
	f.BoolVar(&watchOpts.renew, "renew", false, "redraw arrivals every period when creating")
	watchCmd.MarkFlagsRequiredTogether("rate", "duration")
}

func runWatch(cmd *cobra.Command, args []string) error {
	name := args[0]
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	var opts []client.ClientOption
	if watchOpts.apiKey != "" {
		opts = append(opts, client.WithAPIKey(watchOpts.apiKey))
	}
	c := client.New(watchOpts.server, opts...)

	if watchOpts.rate > 0 {
		info, err := c.Put(ctx, name, watchOpts.rate, watchOpts.duration, client.WithRenew(watchOpts.renew))
		if err != nil {
			return fmt.Errorf("create %s: %w", name, err)
		}
		fmt.Fprintf(out, "# %s: %d arrivals over %gs\n", name, info.ArrivalCount, info.Duration)
	}

	n := 0
	for {
		a, err := c.Wait(ctx, name)
		if err != nil {
			if errors.Is(err, ctx.Err()) {
				return nil
			}
			return err
		}
		if a.Done() {
			fmt.Fprintf(out, "# %s done after %d arrivals\n", name, n)
			return nil
		}
		n++
		fmt.Fprintf(out, "%d\t%s\t%.6f\t%+.6f\n", n, a.Status, a.Offset, a.Delay.Seconds())
	}
}
