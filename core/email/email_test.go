package email

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"Encore/model"
	"Encore/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu       sync.Mutex
	failures int // fail this many calls before succeeding
	calls    int
	sent     []*Message
}

func (f *fakeSender) Send(ctx context.Context, msg *Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return "", errors.New("resend: 502 bad gateway")
	}
	f.sent = append(f.sent, msg)
	return "em_123", nil
}

type memoryLogs struct {
	mu      sync.Mutex
	entries []*model.EmailLog
}

func (m *memoryLogs) Create(ctx context.Context, entry *model.EmailLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memoryLogs) List(ctx context.Context, opts repository.ListOptions) ([]*model.EmailLog, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries, int64(len(m.entries)), nil
}

func newTestMailer(t *testing.T, sender Sender, attempts uint) (*Mailer, *memoryLogs) {
	t.Helper()
	registry, err := NewTemplateRegistry("")
	require.NoError(t, err)
	logs := &memoryLogs{}
	return NewMailer(sender, registry, logs, Options{
		BaseURL:     "https://encore.test/",
		MaxAttempts: attempts,
		RetryDelay:  time.Millisecond,
	}), logs
}

func TestRegistryHasDefaults(t *testing.T) {
	registry, err := NewTemplateRegistry("")
	require.NoError(t, err)
	assert.Equal(t, []string{
		TemplateInvite,
		TemplateReceipt,
		TemplateSubscriptionConfirmed,
		TemplateTest,
		TemplateWelcome,
	}, registry.Names())
}

func TestRenderEscapesHTMLButNotSubject(t *testing.T) {
	registry, err := NewTemplateRegistry("")
	require.NoError(t, err)

	out, err := registry.Render(TemplateInvite, map[string]interface{}{
		"InviterName": "O'Neil",
		"Message":     "<script>alert(1)</script>",
		"AcceptURL":   "https://encore.test/accept",
	})
	require.NoError(t, err)
	assert.Equal(t, "O'Neil invited you to Encore", out.Subject)
	assert.NotContains(t, out.HTML, "<script>")
	assert.Contains(t, out.HTML, "&lt;script&gt;")
	assert.Contains(t, out.Text, "Accept: https://encore.test/accept")

	_, err = registry.Render("missing", nil)
	assert.Error(t, err)
}

func TestOverrideDirectory(t *testing.T) {
	dir := t.TempDir()
	override := `{{define "subject"}}Custom hello{{end}}{{define "html"}}<p>custom</p>{{end}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test.html"), []byte(override), 0o644))

	registry, err := NewTemplateRegistry(dir)
	require.NoError(t, err)

	out, err := registry.Render(TemplateTest, nil)
	require.NoError(t, err)
	assert.Equal(t, "Custom hello", out.Subject)
	assert.Empty(t, out.Text)

	// a broken override keeps the previous set
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test.html"), []byte(`{{define "subject"}}`), 0o644))
	assert.Error(t, registry.Reload())
	out, err = registry.Render(TemplateTest, nil)
	require.NoError(t, err)
	assert.Equal(t, "Custom hello", out.Subject)
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	registry, err := NewTemplateRegistry(dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- registry.Watch(ctx) }()

	override := `{{define "subject"}}Hot{{end}}{{define "html"}}<p>hot</p>{{end}}`
	assert.Eventually(t, func() bool {
		// rewrite until the watcher has picked up the directory
		_ = os.WriteFile(filepath.Join(dir, "welcome.html"), []byte(override), 0o644)
		out, err := registry.Render(TemplateWelcome, nil)
		return err == nil && out.Subject == "Hot"
	}, 2*time.Second, 50*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	sender := &fakeSender{failures: 2}
	mailer, logs := newTestMailer(t, sender, 3)

	entry, err := mailer.SendTest(context.Background(), "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, 3, sender.calls)
	assert.Equal(t, model.EmailSent, entry.Status)
	assert.Equal(t, 3, entry.Attempts)
	assert.Equal(t, "em_123", entry.ProviderID)

	require.Len(t, logs.entries, 1)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, entry.IdempotencyKey, sender.sent[0].IdempotencyKey)
	assert.NotEmpty(t, entry.IdempotencyKey)
	assert.Equal(t, "test", sender.sent[0].Tags["template"])
}

func TestDeliverGivesUpAndLogsFailure(t *testing.T) {
	sender := &fakeSender{failures: 10}
	mailer, logs := newTestMailer(t, sender, 2)

	entry, err := mailer.SendTest(context.Background(), "ops@example.com")
	require.Error(t, err)
	assert.Equal(t, 2, sender.calls)
	assert.Equal(t, model.EmailFailed, entry.Status)
	assert.Contains(t, entry.Error, "502")
	require.Len(t, logs.entries, 1)
	assert.Equal(t, model.EmailFailed, logs.entries[0].Status)
}

func TestDeliverStopsOnCanceledContext(t *testing.T) {
	sender := &fakeSender{failures: 10}
	mailer, _ := newTestMailer(t, sender, 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := mailer.SendTest(ctx, "ops@example.com")
	require.Error(t, err)
	assert.LessOrEqual(t, sender.calls, 1)
}

func TestDisabledMailer(t *testing.T) {
	mailer, _ := newTestMailer(t, nil, 3)
	assert.False(t, mailer.Enabled())
	_, err := mailer.SendTest(context.Background(), "ops@example.com")
	assert.ErrorIs(t, err, ErrEmailDisabled)

	_, err = NewResendSender("", "Encore <noreply@encore.test>")
	assert.ErrorIs(t, err, ErrEmailDisabled)
}

func TestSendInviteLinks(t *testing.T) {
	sender := &fakeSender{}
	mailer, _ := newTestMailer(t, sender, 1)

	_, err := mailer.SendInvite(context.Background(), Invite{
		To:          "friend@example.com",
		InviterName: "Luna Waves",
		ArtistName:  "Luna Waves",
		Token:       "tok-1",
	})
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, []string{"friend@example.com"}, sender.sent[0].To)
	assert.Contains(t, sender.sent[0].HTML, "https://encore.test/api/subscribers/confirm?token=tok-1")
	assert.Contains(t, sender.sent[0].Text, "https://encore.test/api/subscribers/unsubscribe?token=tok-1")
}

func TestSendSubscriptionConfirmedListsPerks(t *testing.T) {
	sender := &fakeSender{}
	mailer, _ := newTestMailer(t, sender, 1)

	tier := &model.SubscriptionTier{Name: "Superfan", PriceCents: 999, Interval: model.IntervalMonth,
		Perks: model.StringList{"Early access", "Monthly livestream"}}
	_, err := mailer.SendSubscriptionConfirmed(context.Background(), "fan@example.com", tier, "Luna Waves", "usd")
	require.NoError(t, err)
	assert.Equal(t, "You're now a Superfan member of Luna Waves", sender.sent[0].Subject)
	assert.Contains(t, sender.sent[0].HTML, "<li>Monthly livestream</li>")
	assert.Contains(t, sender.sent[0].HTML, "$9.99")
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "$4.99", FormatAmount(499, "usd"))
	assert.Equal(t, "€10.00", FormatAmount(1000, "EUR"))
	assert.Equal(t, "0.50 JPY", FormatAmount(50, "jpy"))
}

func TestResendSenderSetsIdempotencyKey(t *testing.T) {
	var mu sync.Mutex
	var keys []string
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "/emails", r.URL.Path)
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"em_1"}`)
	}))
	defer srv.Close()

	rs, err := NewResendSender("re_test", "Encore <noreply@encore.test>")
	require.NoError(t, err)
	rs.client.BaseURL, _ = url.Parse(srv.URL + "/")

	msg := &Message{To: []string{"fan@example.com"}, Subject: "hi", Text: "hello", IdempotencyKey: "key-1"}
	// a retry after a lost response reuses the key
	for i := 0; i < 2; i++ {
		id, err := rs.Send(context.Background(), msg)
		require.NoError(t, err)
		assert.Equal(t, "em_1", id)
	}
	assert.Equal(t, []string{"key-1", "key-1"}, keys)
	headers, _ := body["headers"].(map[string]interface{})
	assert.Equal(t, "key-1", headers["X-Entity-Ref-ID"])

	_, err = rs.Send(context.Background(), &Message{To: []string{"fan@example.com"}, Subject: "hi", Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, "", keys[2])
}
