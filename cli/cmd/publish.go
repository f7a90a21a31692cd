package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nimbus-baas/nimbus-stack/cli/pkg/output"
	"github.com/nimbus-baas/nimbus-stack/common/eventbus"
	"github.com/nimbus-baas/nimbus-stack/common/events"
	"github.com/nimbus-baas/nimbus-stack/common/messaging"
)

var publishCmd = &cobra.Command{
	Use:   "publish <eventType>",
	Short: "Publish a domain event",
	Long: `Publish a single domain event on the bus. The payload is checked against the
typed schema for eventType unless --raw is given.`,
	Example: `  nimbus publish storage.file.uploaded --data '{"ownerId":"o1","appId":"a1","fileId":"f1","size":2048}'
  nimbus publish auth.user.loggedin --data '{"ownerId":"o1","appId":"a1","userId":"u1"}'
  nimbus publish custom.thing.happened --raw --data '{"any":"shape"}'`,
	Args: cobra.ExactArgs(1),
	RunE: runPublish,
}

func init() {
	rootCmd.AddCommand(publishCmd)

	publishCmd.Flags().StringP("data", "d", "{}", "JSON payload")
	publishCmd.Flags().Bool("raw", false, "skip payload validation for unknown event types")
}

func runPublish(cmd *cobra.Command, args []string) error {
	eventType := args[0]
	data, _ := cmd.Flags().GetString("data")
	raw, _ := cmd.Flags().GetBool("raw")

	if err := messaging.ValidateRoutingKey(eventType); err != nil {
		return err
	}
	if !json.Valid([]byte(data)) {
		return fmt.Errorf("--data is not valid JSON")
	}

	env, err := events.NewEnvelope(eventType, json.RawMessage(data))
	if err != nil {
		return err
	}
	if !raw {
		if _, err := events.Decode(env); err != nil {
			return err
		}
	}

	log := newLogger()
	ctx := cmd.Context()

	transport, err := connect(ctx, log)
	if err != nil {
		return err
	}
	defer transport.Close()

	bus := eventbus.New(transport,
		eventbus.WithLogger(log.Component("eventbus")),
		eventbus.WithSource(serviceName))
	if err := bus.PublishEnvelope(ctx, env); err != nil {
		return err
	}

	output.Success("Published %s (id %s)", env.EventType, env.ID)
	return nil
}
