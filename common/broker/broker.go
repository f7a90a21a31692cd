// Package broker builds a messaging.Transport from shared configuration.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nimbus-baas/nimbus-stack/common/config"
	"github.com/nimbus-baas/nimbus-stack/common/logging"
	"github.com/nimbus-baas/nimbus-stack/common/messaging"
	"github.com/nimbus-baas/nimbus-stack/common/messaging/amqp"
	"github.com/nimbus-baas/nimbus-stack/common/messaging/memory"
	natsbroker "github.com/nimbus-baas/nimbus-stack/common/messaging/nats"
)

// New returns an unconnected transport for cfg.Driver. service names the
// client connection where the driver supports it.
func New(cfg config.BrokerConfig, service string, log *slog.Logger) (messaging.Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	switch cfg.Driver {
	case config.DriverAMQP:
		return amqp.New(amqp.Config{
			URL:            cfg.URL,
			Exchange:       cfg.Exchange,
			ReconnectDelay: cfg.ReconnectDelay,
			Prefetch:       cfg.Prefetch,
			Logger:         log,
		}), nil
	case config.DriverNATS:
		return natsbroker.New(natsbroker.Config{
			URL:             cfg.URL,
			Name:            service,
			Exchange:        cfg.Exchange,
			TransientPrefix: cfg.TransientPrefix,
			ReconnectWait:   cfg.ReconnectDelay,
			AckWait:         cfg.AckWait,
			Prefetch:        cfg.Prefetch,
			Logger:          log,
		}), nil
	case config.DriverMemory:
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unknown broker driver %q", cfg.Driver)
}

// Connect dials the transport. A broker that is not reachable yet is not
// fatal: the transport keeps retrying in the background and components retry
// their own setup, so only context and configuration errors are returned.
func Connect(ctx context.Context, t messaging.Transport, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	err := t.Connect(ctx)
	switch {
	case err == nil:
		log.Info("connected to broker")
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, messaging.ErrClosed):
		return err
	default:
		log.Warn("broker not reachable yet, retrying in background", logging.Error(err))
		return nil
	}
}
