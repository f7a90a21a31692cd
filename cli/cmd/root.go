package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nimbus-baas/nimbus-stack/cli/internal/config"
	"github.com/nimbus-baas/nimbus-stack/cli/pkg/output"
	"github.com/nimbus-baas/nimbus-stack/common/broker"
	"github.com/nimbus-baas/nimbus-stack/common/logging"
	"github.com/nimbus-baas/nimbus-stack/common/messaging"
)

// serviceName identifies the CLI on the broker and in logs.
const serviceName = "nimbus-cli"

var (
	cfgFile string
	cfg     *config.Config
)

// newTransport builds the broker transport. Tests replace it.
var newTransport = func(c *config.Config, log *slog.Logger) (messaging.Transport, error) {
	return broker.New(c.Broker, serviceName, log)
}

var rootCmd = &cobra.Command{
	Use:   "nimbus",
	Short: "Nimbus platform CLI",
	Long: `nimbus is the command-line interface for the Nimbus service fabric.

Emit document mutations, publish domain events, query service stats over
RPC and seed synthetic usage data against any supported broker.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return applyOverrides(cmd)
	},
}

func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		output.Error("%v", err)
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or $HOME/.nimbus/config.yaml)")
	rootCmd.PersistentFlags().String("broker", "", "broker driver: amqp, nats, memory")
	rootCmd.PersistentFlags().String("broker-url", "", "broker URL")
	rootCmd.PersistentFlags().String("exchange", "", "topic exchange name")
	rootCmd.PersistentFlags().StringP("output", "o", output.FormatTable, "output format: table, json, yaml")
	rootCmd.PersistentFlags().Bool("verbose", false, "log broker activity to stderr")
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
		cfg = config.Default()
	}
}

// applyOverrides folds persistent flags into the loaded configuration.
func applyOverrides(cmd *cobra.Command) error {
	if cfg == nil {
		cfg = config.Default()
	}
	flags := cmd.Flags()
	if v, _ := flags.GetString("broker"); v != "" {
		cfg.Broker.Driver = v
	}
	if v, _ := flags.GetString("broker-url"); v != "" {
		cfg.Broker.URL = v
	}
	if v, _ := flags.GetString("exchange"); v != "" {
		cfg.Broker.Exchange = v
	}
	if v, _ := flags.GetBool("verbose"); v {
		cfg.Logging.Level = "debug"
	}
	if f, _ := flags.GetString("output"); !output.ValidFormat(f) {
		return fmt.Errorf("unknown output format %q", f)
	}
	return nil
}

func outputFormat(cmd *cobra.Command) string {
	f, _ := cmd.Flags().GetString("output")
	return f
}

func newLogger() *logging.Logger {
	return logging.NewWithWriter(os.Stderr, logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).
		With(logging.Service(serviceName))
}

// connect builds and dials the configured transport. Unlike the services,
// the CLI fails fast when the broker is unreachable.
func connect(ctx context.Context, log *logging.Logger) (messaging.Transport, error) {
	t, err := newTransport(cfg, log.Component("broker"))
	if err != nil {
		return nil, err
	}
	if err := t.Connect(ctx); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("connect to %s broker: %w", cfg.Broker.Driver, err)
	}
	return t, nil
}
