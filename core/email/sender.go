package email

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/resend/resend-go/v2"
)

// ErrEmailDisabled is returned when no Resend API key is configured.
var ErrEmailDisabled = errors.New("email delivery is not configured")

// Message is one outbound email.
type Message struct {
	To             []string
	Subject        string
	HTML           string
	Text           string
	ReplyTo        string
	Tags           map[string]string
	IdempotencyKey string
}

// Sender delivers a message and returns the provider's message id.
type Sender interface {
	Send(ctx context.Context, msg *Message) (string, error)
}

// ResendSender sends through the Resend API.
type ResendSender struct {
	client *resend.Client
	from   string
}

// NewResendSender creates a ResendSender. It returns ErrEmailDisabled when
// apiKey is empty.
func NewResendSender(apiKey, from string) (*ResendSender, error) {
	if apiKey == "" {
		return nil, ErrEmailDisabled
	}
	httpClient := &http.Client{
		Timeout:   30 * time.Second,
		Transport: &idempotencyTransport{next: http.DefaultTransport},
	}
	return &ResendSender{client: resend.NewCustomClient(httpClient, apiKey), from: from}, nil
}

type idempotencyKeyCtx struct{}

// idempotencyTransport sets Resend's Idempotency-Key header from the request
// context; the SDK has no option for it. Resend returns the first result for
// a repeated key, so a retry after a lost response does not send twice.
type idempotencyTransport struct {
	next http.RoundTripper
}

func (t *idempotencyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	key, _ := req.Context().Value(idempotencyKeyCtx{}).(string)
	if key == "" || req.Method != http.MethodPost {
		return t.next.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	req.Header.Set("Idempotency-Key", key)
	return t.next.RoundTrip(req)
}

// Send implements Sender.
func (s *ResendSender) Send(ctx context.Context, msg *Message) (string, error) {
	req := &resend.SendEmailRequest{
		From:    s.from,
		To:      msg.To,
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    msg.Text,
		ReplyTo: msg.ReplyTo,
	}
	for name, value := range msg.Tags {
		req.Tags = append(req.Tags, resend.Tag{Name: name, Value: value})
	}
	if msg.IdempotencyKey != "" {
		// X-Entity-Ref-ID 只用于邮件客户端的会话追踪，去重靠 Idempotency-Key
		req.Headers = map[string]string{"X-Entity-Ref-ID": msg.IdempotencyKey}
		ctx = context.WithValue(ctx, idempotencyKeyCtx{}, msg.IdempotencyKey)
	}

	sent, err := s.client.Emails.SendWithContext(ctx, req)
	if err != nil {
		return "", fmt.Errorf("resend: %w", err)
	}
	return sent.Id, nil
}
