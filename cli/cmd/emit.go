package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nimbus-baas/nimbus-stack/cli/pkg/output"
	"github.com/nimbus-baas/nimbus-stack/common/eventbus"
	"github.com/nimbus-baas/nimbus-stack/common/events"
	"github.com/nimbus-baas/nimbus-stack/common/models"
	"github.com/nimbus-baas/nimbus-stack/common/mutation"
	"github.com/nimbus-baas/nimbus-stack/common/notify"
)

var emitCmd = &cobra.Command{
	Use:   "emit",
	Short: "Emit a document mutation",
	Long: `Emit a document mutation the way a document-storage service does after a
write: the domain event goes to the event bus and the fan-out event is pushed
to the realtime ingress. A realtime failure is reported but does not fail the
command.`,
	Example: `  nimbus emit --app a1 --owner o1 --collection todos --doc d1 --type create
  nimbus emit --domain realtime --app a1 --owner o1 --collection chat --doc m9 --type update --data '{"text":"hi"}'
  nimbus emit --app a1 --owner o1 --collection todos --doc d1 --type delete --no-realtime`,
	RunE: runEmit,
}

func init() {
	rootCmd.AddCommand(emitCmd)

	emitCmd.Flags().String("domain", string(mutation.DomainDatabase), "document store: database or realtime")
	emitCmd.Flags().StringP("type", "t", string(models.ChangeCreate), "change type: create, update, delete")
	emitCmd.Flags().String("app", "", "application id (required)")
	emitCmd.Flags().String("owner", "", "owner id (required)")
	emitCmd.Flags().String("user", "", "acting user id")
	emitCmd.Flags().StringP("collection", "c", "", "collection name (required)")
	emitCmd.Flags().String("doc", "", "document id (required)")
	emitCmd.Flags().String("data", "", "document JSON carried to realtime subscribers")
	emitCmd.Flags().String("realtime-url", "", "realtime service URL (overrides config)")
	emitCmd.Flags().String("token", "", "internal ingress token (overrides config)")
	emitCmd.Flags().Bool("no-realtime", false, "skip the realtime push")

	_ = emitCmd.MarkFlagRequired("app")
	_ = emitCmd.MarkFlagRequired("owner")
	_ = emitCmd.MarkFlagRequired("collection")
	_ = emitCmd.MarkFlagRequired("doc")
}

func runEmit(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	domain, _ := flags.GetString("domain")
	changeType, _ := flags.GetString("type")
	appID, _ := flags.GetString("app")
	ownerID, _ := flags.GetString("owner")
	userID, _ := flags.GetString("user")
	collection, _ := flags.GetString("collection")
	docID, _ := flags.GetString("doc")
	data, _ := flags.GetString("data")
	noRealtime, _ := flags.GetBool("no-realtime")

	m := mutation.Mutation{
		Domain:     mutation.Domain(domain),
		Context:    events.Context{OwnerID: ownerID, AppID: appID, UserID: userID},
		Collection: collection,
		DocumentID: docID,
		Type:       models.ChangeType(changeType),
	}
	if data != "" {
		if !json.Valid([]byte(data)) {
			return fmt.Errorf("--data is not valid JSON")
		}
		m.Data = json.RawMessage(data)
	}
	if _, err := m.EventType(); err != nil {
		return err
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

	var notifier notify.Notifier
	if !noRealtime {
		url := cfg.Realtime.URL
		if v, _ := flags.GetString("realtime-url"); v != "" {
			url = v
		}
		token := cfg.Realtime.Token
		if v, _ := flags.GetString("token"); v != "" {
			token = v
		}
		notifier = notify.NewClient(url, token, cfg.Realtime.Timeout, log.Component("notify"))
	}

	res, err := mutation.NewEmitter(bus, notifier, log.Component("mutation")).Emit(ctx, m)
	if err != nil {
		return err
	}

	switch {
	case !res.Published:
		return fmt.Errorf("%s was not published; see log output", res.EventType)
	case noRealtime:
		output.Success("Published %s (realtime push skipped)", res.EventType)
	case res.Notified:
		output.Success("Published %s and notified realtime", res.EventType)
	default:
		output.Success("Published %s", res.EventType)
		output.Warn("realtime notification not delivered")
	}
	return nil
}
