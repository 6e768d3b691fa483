package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// ErrInvalidSignature is returned when a webhook payload fails verification.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// 结账模式
const (
	ModePayment      = "payment"
	ModeSubscription = "subscription"
)

// SessionRequest describes a hosted checkout page for one item.
type SessionRequest struct {
	Mode            string
	Name            string
	AmountCents     int64
	Currency        string
	Interval        string // month | year, subscription mode only
	PriceID         string // pre-created Stripe price; overrides Name/Amount when set
	CustomerID      string
	CustomerEmail   string
	ClientReference string
	Metadata        map[string]string
}

// Session is a created checkout session.
type Session struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Event is a verified webhook event. Object is the raw data.object JSON.
type Event struct {
	ID     string
	Type   string
	Object []byte
}

// Checkout is the payment provider boundary. idempotencyKey makes Refund and
// CancelSubscription safe to repeat when a webhook is redelivered.
type Checkout interface {
	CreateSession(ctx context.Context, req *SessionRequest) (*Session, error)
	VerifyWebhook(payload []byte, signature string) (*Event, error)
	Refund(ctx context.Context, paymentIntentID, idempotencyKey string) error
	CancelSubscription(ctx context.Context, subscriptionID, invoiceID, idempotencyKey string) error
}

// StripeCheckout implements Checkout with Stripe Checkout.
type StripeCheckout struct {
	api           *client.API
	webhookSecret string
	successURL    string
	cancelURL     string
}

// NewStripeCheckout creates a StripeCheckout.
func NewStripeCheckout(secretKey, webhookSecret, successURL, cancelURL string) *StripeCheckout {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeCheckout{
		api:           api,
		webhookSecret: webhookSecret,
		successURL:    successURL,
		cancelURL:     cancelURL,
	}
}

// CreateSession implements Checkout.
func (s *StripeCheckout) CreateSession(ctx context.Context, req *SessionRequest) (*Session, error) {
	item := &stripe.CheckoutSessionLineItemParams{Quantity: stripe.Int64(1)}
	if req.PriceID != "" {
		item.Price = stripe.String(req.PriceID)
	} else {
		item.PriceData = &stripe.CheckoutSessionLineItemPriceDataParams{
			Currency:   stripe.String(req.Currency),
			UnitAmount: stripe.Int64(req.AmountCents),
			ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
				Name: stripe.String(req.Name),
			},
		}
		if req.Mode == ModeSubscription {
			item.PriceData.Recurring = &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
				Interval: stripe.String(req.Interval),
			}
		}
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(req.Mode),
		SuccessURL: stripe.String(s.successURL),
		CancelURL:  stripe.String(s.cancelURL),
		LineItems:  []*stripe.CheckoutSessionLineItemParams{item},
	}
	params.Context = ctx
	if req.ClientReference != "" {
		params.ClientReferenceID = stripe.String(req.ClientReference)
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	} else if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	// 元数据同时写到订阅 / PaymentIntent 上，后续事件才能关联回来
	if req.Mode == ModeSubscription {
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{Metadata: req.Metadata}
	} else {
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: req.Metadata}
	}

	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: create checkout session: %w", err)
	}
	return &Session{ID: sess.ID, URL: sess.URL}, nil
}

// VerifyWebhook implements Checkout.
func (s *StripeCheckout) VerifyWebhook(payload []byte, signature string) (*Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	out := &Event{ID: event.ID, Type: string(event.Type)}
	if event.Data != nil {
		out.Object = event.Data.Raw
	}
	return out, nil
}

// Refund implements Checkout. The whole payment is refunded.
func (s *StripeCheckout) Refund(ctx context.Context, paymentIntentID, idempotencyKey string) error {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(paymentIntentID)}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)
	if _, err := s.api.Refunds.New(params); err != nil {
		return fmt.Errorf("stripe: refund %s: %w", paymentIntentID, err)
	}
	return nil
}

// CancelSubscription implements Checkout. It cancels the subscription at once
// and refunds the payment of invoiceID, the invoice that started it.
func (s *StripeCheckout) CancelSubscription(ctx context.Context, subscriptionID, invoiceID, idempotencyKey string) error {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey + "-cancel")
	if _, err := s.api.Subscriptions.Cancel(subscriptionID, params); err != nil {
		return fmt.Errorf("stripe: cancel subscription %s: %w", subscriptionID, err)
	}
	if invoiceID == "" {
		return nil
	}

	ip := &stripe.InvoiceParams{}
	ip.Context = ctx
	inv, err := s.api.Invoices.Get(invoiceID, ip)
	if err != nil {
		return fmt.Errorf("stripe: get invoice %s: %w", invoiceID, err)
	}
	if inv.PaymentIntent == nil || inv.PaymentIntent.ID == "" {
		return nil
	}
	return s.Refund(ctx, inv.PaymentIntent.ID, idempotencyKey+"-refund")
}
