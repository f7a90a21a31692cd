package cmd

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/nimbus-baas/nimbus-stack/cli/pkg/output"
	"github.com/nimbus-baas/nimbus-stack/common/messaging"
	"github.com/nimbus-baas/nimbus-stack/common/models"
	"github.com/nimbus-baas/nimbus-stack/common/rpc"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Ask a service for usage stats over RPC",
	Long: `Send a stats request to the responder bound to --key and print the reply.
Each service owns the stats key for its domain; the call times out if no
responder answers.`,
	Example: `  nimbus stats --key realtime.stats.request --app a1
  nimbus stats --key analytics.stats.request --app a1 --app a2 --period daily -o json`,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)

	statsCmd.Flags().StringP("key", "k", messaging.RPCRealtimeStats, "RPC routing key")
	statsCmd.Flags().StringSlice("app", nil, "application ids (repeatable; empty means all)")
	statsCmd.Flags().String("period", "", "rollup period: hourly, daily, monthly")
	statsCmd.Flags().String("from", "", "range start (RFC3339)")
	statsCmd.Flags().String("to", "", "range end (RFC3339)")
	statsCmd.Flags().Duration("timeout", 0, "reply timeout (default from config)")
}

func runStats(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	key, _ := flags.GetString("key")
	apps, _ := flags.GetStringSlice("app")
	period, _ := flags.GetString("period")
	timeout, _ := flags.GetDuration("timeout")
	if timeout <= 0 {
		timeout = cfg.Broker.RPCTimeout
	}

	req := models.StatsRequest{AppIDs: apps, Period: models.Period(period)}
	var err error
	if req.From, err = parseTimeFlag(cmd, "from"); err != nil {
		return err
	}
	if req.To, err = parseTimeFlag(cmd, "to"); err != nil {
		return err
	}

	log := newLogger()
	ctx := cmd.Context()

	transport, err := connect(ctx, log)
	if err != nil {
		return err
	}
	defer transport.Close()

	client := rpc.NewClient(transport, rpc.WithLogger(log.Component("rpc")))
	resp, err := rpc.Call[models.StatsRequest, models.StatsResponse](ctx, client, key, req, timeout)
	if errors.Is(err, rpc.ErrTimeout) {
		return fmt.Errorf("no reply from %s within %s (is a responder running?): %w", key, timeout, err)
	}
	if err != nil {
		return err
	}

	return output.Write(cmd.OutOrStdout(), outputFormat(cmd), resp, func() *output.Table {
		return statsTable(resp)
	})
}

func statsTable(resp models.StatsResponse) *output.Table {
	t := output.NewTable("SERVICE", "APP", "COUNTER", "VALUE")
	for _, app := range resp.Apps {
		names := make([]string, 0, len(app.Counters))
		for name := range app.Counters {
			names = append(names, name)
		}
		sort.Strings(names)
		if len(names) == 0 {
			t.AddRow(resp.Service, app.AppID, "-", "0")
			continue
		}
		for _, name := range names {
			t.AddRow(resp.Service, app.AppID, name, strconv.FormatInt(app.Counters[name], 10))
		}
	}
	return t
}

func parseTimeFlag(cmd *cobra.Command, name string) (time.Time, error) {
	v, _ := cmd.Flags().GetString(name)
	if v == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", name, err)
	}
	return ts, nil
}
