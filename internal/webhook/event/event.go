// Package event decodes LemonSqueezy webhook envelopes into typed events.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MaxPayloadBytes bounds a delivery body. Larger bodies are rejected before decoding.
const MaxPayloadBytes = 2 << 20

type Name string

const (
	OrderCreated               Name = "order_created"
	SubscriptionCreated        Name = "subscription_created"
	SubscriptionUpdated        Name = "subscription_updated"
	SubscriptionCancelled      Name = "subscription_cancelled"
	SubscriptionResumed        Name = "subscription_resumed"
	SubscriptionExpired        Name = "subscription_expired"
	SubscriptionPaused         Name = "subscription_paused"
	SubscriptionUnpaused       Name = "subscription_unpaused"
	SubscriptionPaymentSuccess Name = "subscription_payment_success"
	SubscriptionPaymentFailed  Name = "subscription_payment_failed"
)

type Kind int

const (
	KindUnsupported Kind = iota
	KindOrder
	// KindSubscription events have the subscription as their subject and carry its status.
	KindSubscription
	// KindSubscriptionPayment events have an invoice as their subject and carry no subscription status.
	KindSubscriptionPayment
)

var supported = map[Name]Kind{
	OrderCreated:               KindOrder,
	SubscriptionCreated:        KindSubscription,
	SubscriptionUpdated:        KindSubscription,
	SubscriptionCancelled:      KindSubscription,
	SubscriptionResumed:        KindSubscription,
	SubscriptionExpired:        KindSubscription,
	SubscriptionPaused:         KindSubscription,
	SubscriptionUnpaused:       KindSubscription,
	SubscriptionPaymentSuccess: KindSubscriptionPayment,
	SubscriptionPaymentFailed:  KindSubscriptionPayment,
}

func KindOf(name Name) Kind {
	return supported[name]
}

var (
	ErrEmptyPayload    = errors.New("empty_payload")
	ErrPayloadTooLarge = errors.New("payload_too_large")
	ErrInvalidPayload  = errors.New("invalid_payload")
	ErrInvalidEvent    = errors.New("invalid_event")
)

// IsInvalidPayload reports whether err rejects the delivery body itself.
func IsInvalidPayload(err error) bool {
	return errors.Is(err, ErrEmptyPayload) ||
		errors.Is(err, ErrPayloadTooLarge) ||
		errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrInvalidEvent)
}

type Meta struct {
	EventName  Name
	TestMode   bool
	WebhookID  string
	CustomData map[string]any
}

// CustomString returns custom_data[key] as text, or "" when absent.
func (m Meta) CustomString(key string) string {
	value, ok := m.CustomData[key]
	if !ok || value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case bool:
		return fmt.Sprint(v)
	default:
		return ""
	}
}

func (m Meta) PaymentRequestID() string {
	return m.CustomString("payment_request_id")
}

// Event is one decoded delivery. Body holds the exact bytes received.
type Event struct {
	Meta     Meta
	DataType string
	ID       string
	Body     []byte

	Order        *OrderAttributes
	Subscription *SubscriptionAttributes
	Invoice      *SubscriptionInvoiceAttributes
}

func (e *Event) Name() Name { return e.Meta.EventName }

func (e *Event) Kind() Kind { return KindOf(e.Meta.EventName) }

func (e *Event) Supported() bool { return e.Kind() != KindUnsupported }

// SubscriptionID is the subject id for lifecycle events and
// attributes.subscription_id for payment notifications.
func (e *Event) SubscriptionID() string {
	switch e.Kind() {
	case KindSubscription:
		return e.ID
	case KindSubscriptionPayment:
		if e.Invoice != nil {
			return e.Invoice.SubscriptionID.String()
		}
	}
	return ""
}

type envelope struct {
	Meta *struct {
		EventName  FlexString      `json:"event_name"`
		TestMode   FlexBool        `json:"test_mode"`
		WebhookID  FlexString      `json:"webhook_id"`
		CustomData json.RawMessage `json:"custom_data"`
	} `json:"meta"`
	Data *struct {
		Type       FlexString      `json:"type"`
		ID         FlexString      `json:"id"`
		Attributes json.RawMessage `json:"attributes"`
	} `json:"data"`
}

// Parse decodes raw into an Event. Unsupported but well-formed events are
// returned with Supported() == false.
func Parse(raw []byte) (*Event, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmptyPayload
	}
	if len(raw) > MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}
	if !json.Valid(raw) {
		return nil, ErrInvalidPayload
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if env.Meta == nil || env.Meta.EventName == "" {
		return nil, fmt.Errorf("%w: missing meta.event_name", ErrInvalidEvent)
	}

	evt := &Event{
		Meta: Meta{
			EventName:  Name(env.Meta.EventName),
			TestMode:   bool(env.Meta.TestMode),
			WebhookID:  env.Meta.WebhookID.String(),
			CustomData: decodeObject(env.Meta.CustomData),
		},
		Body: raw,
	}
	if env.Data != nil {
		evt.DataType = env.Data.Type.String()
		evt.ID = env.Data.ID.String()
	}

	if !evt.Supported() {
		return evt, nil
	}
	if evt.ID == "" {
		return nil, fmt.Errorf("%w: missing data.id", ErrInvalidEvent)
	}

	var attributes json.RawMessage
	if env.Data != nil {
		attributes = env.Data.Attributes
	}
	if err := evt.decodeAttributes(attributes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return evt, nil
}

func (e *Event) decodeAttributes(raw json.RawMessage) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, jsonNull) {
		raw = []byte("{}")
	}
	if raw[0] != '{' {
		return errors.New("data.attributes is not an object")
	}

	switch e.Kind() {
	case KindOrder:
		e.Order = &OrderAttributes{}
		return json.Unmarshal(raw, e.Order)
	case KindSubscription:
		e.Subscription = &SubscriptionAttributes{}
		return json.Unmarshal(raw, e.Subscription)
	case KindSubscriptionPayment:
		e.Invoice = &SubscriptionInvoiceAttributes{}
		return json.Unmarshal(raw, e.Invoice)
	}
	return nil
}

func decodeObject(raw json.RawMessage) map[string]any {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil
	}
	return out
}
