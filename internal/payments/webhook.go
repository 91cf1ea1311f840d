package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"pfw.app/cloud/models"
)

// ErrInvalidSignature is returned for payloads whose signature header does
// not match the webhook secret.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// ErrMalformedEvent is returned for verified events whose object cannot be
// decoded. Redelivery will not fix them.
var ErrMalformedEvent = errors.New("malformed webhook event")

type EventKind string

const (
	ChargeSucceeded     EventKind = "charge_succeeded"
	InvoicePaid         EventKind = "invoice_paid"
	SubscriptionUpdated EventKind = "subscription_updated"
	SubscriptionDeleted EventKind = "subscription_deleted"
	Unhandled           EventKind = "unhandled"
)

// Event is a verified processor event reduced to what licensing needs.
type Event struct {
	ID   string
	Kind EventKind
	// Type is the processor's own event name.
	Type string

	PaymentIntentID string
	SubscriptionID  string
	// Plan is the purchase plan from the object metadata, if present.
	Plan     string
	Customer models.Customer

	// Subscription events only.
	Status           string
	CurrentPeriodEnd time.Time

	Livemode bool
}

// Active reports whether a subscription event carries an active status.
func (e *Event) Active() bool {
	return e.Status == string(stripe.SubscriptionStatusActive)
}

type WebhookParser struct {
	secret string
}

func NewWebhookParser(secret string) *WebhookParser {
	return &WebhookParser{secret: secret}
}

// Parse verifies the signature header over the raw payload and decodes the
// event. Only a verified payload is ever unmarshalled.
func (p *WebhookParser) Parse(payload []byte, header string) (*Event, error) {
	raw, err := webhook.ConstructEventWithOptions(payload, header, p.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	event := &Event{
		ID:       raw.ID,
		Type:     string(raw.Type),
		Kind:     Unhandled,
		Livemode: raw.Livemode,
	}
	if raw.Data == nil {
		return event, nil
	}

	switch raw.Type {
	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(raw.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: failed to decode payment intent: %v", ErrMalformedEvent, err)
		}
		event.Kind = ChargeSucceeded
		event.PaymentIntentID = pi.ID
		event.Plan = pi.Metadata[MetaPlan]
		event.Customer = identityFrom(pi.Metadata, pi.Customer)
		if event.Customer.Email == "" {
			event.Customer.Email = pi.ReceiptEmail
		}

	case "invoice.paid":
		var inv invoiceObject
		if err := json.Unmarshal(raw.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("%w: failed to decode invoice: %v", ErrMalformedEvent, err)
		}
		event.Kind = InvoicePaid
		event.SubscriptionID = inv.subscriptionID()
		meta := inv.metadata()
		event.Plan = meta[MetaPlan]
		event.Customer = models.Customer{Name: meta[MetaName], Email: meta[MetaEmail]}
		if event.Customer.Name == "" {
			event.Customer.Name = inv.CustomerName
		}
		if event.Customer.Email == "" {
			event.Customer.Email = inv.CustomerEmail
		}

	case "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(raw.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: failed to decode subscription: %v", ErrMalformedEvent, err)
		}
		event.Kind = SubscriptionUpdated
		if raw.Type == "customer.subscription.deleted" {
			event.Kind = SubscriptionDeleted
		}
		event.SubscriptionID = sub.ID
		event.Status = string(sub.Status)
		event.Plan = sub.Metadata[MetaPlan]
		event.Customer = identityFrom(sub.Metadata, sub.Customer)
		if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].CurrentPeriodEnd > 0 {
			event.CurrentPeriodEnd = time.Unix(sub.Items.Data[0].CurrentPeriodEnd, 0).UTC()
		}
	}

	return event, nil
}

// invoiceObject covers both the current invoice shape, where the
// subscription hangs off parent.subscription_details, and the older
// top-level subscription field.
type invoiceObject struct {
	ID            string       `json:"id"`
	CustomerName  string       `json:"customer_name"`
	CustomerEmail string       `json:"customer_email"`
	Subscription  expandableID `json:"subscription"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription expandableID      `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	LegacyDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
}

func (i *invoiceObject) subscriptionID() string {
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil && i.Parent.SubscriptionDetails.Subscription != "" {
		return string(i.Parent.SubscriptionDetails.Subscription)
	}
	return string(i.Subscription)
}

func (i *invoiceObject) metadata() map[string]string {
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil && i.Parent.SubscriptionDetails.Metadata != nil {
		return i.Parent.SubscriptionDetails.Metadata
	}
	if i.LegacyDetails != nil && i.LegacyDetails.Metadata != nil {
		return i.LegacyDetails.Metadata
	}
	return map[string]string{}
}

// expandableID decodes a field that is either an id string or an expanded
// object with an "id" member.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*e = expandableID(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}
