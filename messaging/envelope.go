package messaging

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Wire header names carried on every delivery
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderFirstFailedAt = "x-first-failed-at"
)

// Headers is the typed view of the envelope headers this layer recognizes.
// RetryCount starts at 0 and is incremented once per redelivery;
// FirstFailedAt is stamped on the first handler failure and never changes
// afterwards.
type Headers struct {
	RetryCount    int
	FirstFailedAt time.Time
}

// headersFromTable extracts the recognized headers from an AMQP table,
// tolerating the integer widenings brokers apply in transit.
func headersFromTable(t amqp.Table) Headers {
	var h Headers
	if t == nil {
		return h
	}

	switch v := t[HeaderRetryCount].(type) {
	case int:
		h.RetryCount = v
	case int8:
		h.RetryCount = int(v)
	case int16:
		h.RetryCount = int(v)
	case int32:
		h.RetryCount = int(v)
	case int64:
		h.RetryCount = int(v)
	case float64:
		h.RetryCount = int(v)
	}

	switch v := t[HeaderFirstFailedAt].(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			h.FirstFailedAt = ts
		}
	case time.Time:
		h.FirstFailedAt = v
	}

	return h
}

// table renders the typed headers into an AMQP table, merged over extra.
// Caller-supplied extra headers never override the recognized ones.
func (h Headers) table(extra amqp.Table) amqp.Table {
	t := make(amqp.Table, len(extra)+2)
	for k, v := range extra {
		t[k] = v
	}
	t[HeaderRetryCount] = int32(h.RetryCount)
	if !h.FirstFailedAt.IsZero() {
		t[HeaderFirstFailedAt] = h.FirstFailedAt.UTC().Format(time.RFC3339)
	}
	return t
}

// Envelope is the unit handed to consumers: the broker delivery reduced to
// the fields this layer guarantees.
type Envelope struct {
	ID        string
	Timestamp time.Time
	Headers   Headers
	Body      []byte
}

func envelopeFromDelivery(d amqp.Delivery) Envelope {
	return Envelope{
		ID:        d.MessageId,
		Timestamp: d.Timestamp,
		Headers:   headersFromTable(d.Headers),
		Body:      d.Body,
	}
}
