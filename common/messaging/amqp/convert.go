package amqp

import (
	"fmt"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/nimbus-baas/nimbus-stack/common/messaging"
)

// deliveryCountHeader is set by quorum queues on redelivered messages.
const deliveryCountHeader = "x-delivery-count"

func toPublishing(msg *messaging.Message) amqp091.Publishing {
	p := amqp091.Publishing{
		ContentType:   "application/json",
		Body:          msg.Data,
		MessageId:     msg.MessageID,
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		Timestamp:     msg.Timestamp,
		DeliveryMode:  amqp091.Transient,
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	if msg.Persistent {
		p.DeliveryMode = amqp091.Persistent
	}
	if len(msg.Headers) > 0 {
		p.Headers = make(amqp091.Table, len(msg.Headers))
		for k, v := range msg.Headers {
			p.Headers[k] = v
		}
	}
	return p
}

func fromDelivery(d amqp091.Delivery) *messaging.Message {
	m := &messaging.Message{
		RoutingKey:    d.RoutingKey,
		Data:          d.Body,
		MessageID:     d.MessageId,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		Timestamp:     d.Timestamp,
		Persistent:    d.DeliveryMode == amqp091.Persistent,
	}
	if len(d.Headers) > 0 {
		m.Headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			if k == deliveryCountHeader {
				continue
			}
			m.Headers[k] = headerString(v)
		}
	}
	return m
}

func headerString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(v)
	}
}

// attemptOf derives the 1-based delivery attempt. Quorum queues count prior
// deliveries in x-delivery-count; classic queues only flag redelivery.
func attemptOf(d amqp091.Delivery) int {
	if v, ok := d.Headers[deliveryCountHeader]; ok {
		switch n := v.(type) {
		case int64:
			return int(n) + 1
		case int32:
			return int(n) + 1
		case int:
			return n + 1
		}
	}
	if d.Redelivered {
		return 2
	}
	return 1
}
