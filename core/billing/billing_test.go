package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"Encore/model"
	"Encore/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// In-memory stores. Each embeds its interface so only the methods the
// billing service calls need bodies.

type fakeUsers struct {
	repository.UserRepository
	users map[int64]*model.User
}

func (f *fakeUsers) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return f.users[id], nil
}

func (f *fakeUsers) SetStripeCustomerID(ctx context.Context, id int64, customerID string) error {
	f.users[id].StripeCustomerID = customerID
	return nil
}

type fakeArtists struct {
	repository.ArtistRepository
	artists map[int64]*model.Artist
}

func (f *fakeArtists) GetByID(ctx context.Context, id int64) (*model.Artist, error) {
	return f.artists[id], nil
}

type fakeTracks struct {
	repository.TrackRepository
	tracks map[int64]*model.Track
}

func (f *fakeTracks) GetByID(ctx context.Context, id int64) (*model.Track, error) {
	return f.tracks[id], nil
}

type fakeTiers struct {
	repository.TierRepository
	tiers map[int64]*model.SubscriptionTier
}

func (f *fakeTiers) GetByID(ctx context.Context, id int64) (*model.SubscriptionTier, error) {
	return f.tiers[id], nil
}

type fakeSubscriptions struct {
	repository.SubscriptionRepository
	mu   sync.Mutex
	subs []*model.Subscription
}

func (f *fakeSubscriptions) Create(ctx context.Context, sub *model.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub.ID = int64(len(f.subs) + 1)
	f.subs = append(f.subs, sub)
	return nil
}

func (f *fakeSubscriptions) find(match func(*model.Subscription) bool) *model.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		if match(s) {
			cp := *s
			return &cp
		}
	}
	return nil
}

func (f *fakeSubscriptions) GetBySessionID(ctx context.Context, id string) (*model.Subscription, error) {
	return f.find(func(s *model.Subscription) bool { return s.StripeSessionID == id }), nil
}

func (f *fakeSubscriptions) GetByStripeID(ctx context.Context, id string) (*model.Subscription, error) {
	return f.find(func(s *model.Subscription) bool { return s.StripeSubscriptionID == id }), nil
}

func (f *fakeSubscriptions) FindActive(ctx context.Context, userID, tierID int64) (*model.Subscription, error) {
	return f.find(func(s *model.Subscription) bool {
		return s.UserID == userID && s.TierID == tierID &&
			(s.Status == model.SubscriptionActive || s.Status == model.SubscriptionPastDue)
	}), nil
}

func (f *fakeSubscriptions) Transition(ctx context.Context, id int64, from []string, to string, fields map[string]interface{}) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.subs[id-1]
	if !contains(from, s.Status) {
		return false, nil
	}
	// live_key 唯一索引
	if key, ok := fields["live_key"].(string); ok {
		for _, other := range f.subs {
			if other.ID != id && other.LiveKey != nil && *other.LiveKey == key {
				return false, repository.ErrDuplicate
			}
		}
		s.LiveKey = &key
	} else if v, ok := fields["live_key"]; ok && v == nil {
		s.LiveKey = nil
	}
	s.Status = to
	if v, ok := fields["stripe_subscription_id"].(string); ok {
		s.StripeSubscriptionID = v
	}
	if v, ok := fields["current_period_end"].(time.Time); ok {
		s.CurrentPeriodEnd = &v
	}
	if v, ok := fields["canceled_at"].(time.Time); ok {
		s.CanceledAt = &v
	}
	return true, nil
}

type fakePurchases struct {
	repository.PurchaseRepository
	mu        sync.Mutex
	purchases []*model.Purchase
	staleRead bool // FindPaid misses rows, as in a concurrent completion
}

func (f *fakePurchases) Create(ctx context.Context, p *model.Purchase) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p.ID = int64(len(f.purchases) + 1)
	f.purchases = append(f.purchases, p)
	return nil
}

func (f *fakePurchases) find(match func(*model.Purchase) bool) *model.Purchase {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.purchases {
		if match(p) {
			cp := *p
			return &cp
		}
	}
	return nil
}

func (f *fakePurchases) GetBySessionID(ctx context.Context, id string) (*model.Purchase, error) {
	return f.find(func(p *model.Purchase) bool { return p.StripeSessionID == id }), nil
}

func (f *fakePurchases) GetByPaymentIntent(ctx context.Context, id string) (*model.Purchase, error) {
	return f.find(func(p *model.Purchase) bool { return p.StripePaymentIntentID == id }), nil
}

func (f *fakePurchases) FindPaid(ctx context.Context, userID, trackID int64) (*model.Purchase, error) {
	if f.staleRead {
		return nil, nil
	}
	return f.find(func(p *model.Purchase) bool {
		return p.UserID == userID && p.TrackID == trackID && p.Status == model.PurchasePaid
	}), nil
}

func (f *fakePurchases) Transition(ctx context.Context, id int64, from []string, to string, fields map[string]interface{}) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.purchases[id-1]
	if !contains(from, p.Status) {
		return false, nil
	}
	// owner_key 唯一索引
	if key, ok := fields["owner_key"].(string); ok {
		for _, other := range f.purchases {
			if other.ID != id && other.OwnerKey != nil && *other.OwnerKey == key {
				return false, repository.ErrDuplicate
			}
		}
		p.OwnerKey = &key
	} else if v, ok := fields["owner_key"]; ok && v == nil {
		p.OwnerKey = nil
	}
	p.Status = to
	if v, ok := fields["stripe_payment_intent_id"].(string); ok {
		p.StripePaymentIntentID = v
	}
	if v, ok := fields["amount_cents"].(int64); ok {
		p.AmountCents = v
	}
	if v, ok := fields["paid_at"].(time.Time); ok {
		p.PaidAt = &v
	}
	return true, nil
}

type fakeEarnings struct {
	repository.EarningRepository
	mu    sync.Mutex
	sales map[int64]int64
}

func (f *fakeEarnings) Accrue(ctx context.Context, artistID int64, day string, plays, royaltyCents, salesCents int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sales[artistID] += salesCents
	return nil
}

type fakeCheckout struct {
	requests []*SessionRequest
	event    *Event
	refunds  []string
	cancels  []string
}

func (f *fakeCheckout) CreateSession(ctx context.Context, req *SessionRequest) (*Session, error) {
	f.requests = append(f.requests, req)
	id := fmt.Sprintf("cs_test_%d", len(f.requests))
	return &Session{ID: id, URL: "https://checkout.stripe.test/" + id}, nil
}

func (f *fakeCheckout) Refund(ctx context.Context, paymentIntentID, idempotencyKey string) error {
	f.refunds = append(f.refunds, paymentIntentID)
	return nil
}

func (f *fakeCheckout) CancelSubscription(ctx context.Context, subscriptionID, invoiceID, idempotencyKey string) error {
	f.cancels = append(f.cancels, subscriptionID+"/"+invoiceID)
	return nil
}

func (f *fakeCheckout) VerifyWebhook(payload []byte, signature string) (*Event, error) {
	if signature != "ok" {
		return nil, ErrInvalidSignature
	}
	return f.event, nil
}

type fakeNotifier struct {
	receipts, confirmations int
}

func (f *fakeNotifier) SendReceipt(ctx context.Context, to string, p *model.Purchase, t *model.Track) (*model.EmailLog, error) {
	f.receipts++
	return &model.EmailLog{}, nil
}

func (f *fakeNotifier) SendSubscriptionConfirmed(ctx context.Context, to string, tier *model.SubscriptionTier, artistName, currency string) (*model.EmailLog, error) {
	f.confirmations++
	return &model.EmailLog{}, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

type fixture struct {
	svc       *Service
	checkout  *fakeCheckout
	subs      *fakeSubscriptions
	purchases *fakePurchases
	earnings  *fakeEarnings
	notifier  *fakeNotifier
	users     *fakeUsers
}

func newFixture() *fixture {
	artist := &model.Artist{ID: 10, UserID: 2, Name: "Luna Waves", Slug: "luna-waves"}
	f := &fixture{
		checkout:  &fakeCheckout{},
		subs:      &fakeSubscriptions{},
		purchases: &fakePurchases{},
		earnings:  &fakeEarnings{sales: map[int64]int64{}},
		notifier:  &fakeNotifier{},
		users: &fakeUsers{users: map[int64]*model.User{
			1: {ID: 1, Username: "fan", Email: "fan@example.com", Role: model.RoleFan},
		}},
	}
	repos := Repositories{
		Users:   f.users,
		Artists: &fakeArtists{artists: map[int64]*model.Artist{10: artist}},
		Tracks: &fakeTracks{tracks: map[int64]*model.Track{
			100: {ID: 100, ArtistID: 10, Title: "Midnight Drive", PriceCents: 129, Status: model.TrackStatusPublished, Artist: artist},
			101: {ID: 101, ArtistID: 10, Title: "Free Single", PriceCents: 0, Status: model.TrackStatusPublished},
			102: {ID: 102, ArtistID: 10, Title: "Unreleased", PriceCents: 99, Status: model.TrackStatusDraft},
		}},
		Tiers: &fakeTiers{tiers: map[int64]*model.SubscriptionTier{
			5: {ID: 5, ArtistID: 10, Name: "Superfan", PriceCents: 999, Interval: model.IntervalMonth, Active: true},
			6: {ID: 6, ArtistID: 10, Name: "Retired", PriceCents: 499, Interval: model.IntervalMonth, Active: false},
		}},
		Subscriptions: f.subs,
		Purchases:     f.purchases,
		Earnings:      f.earnings,
	}
	f.svc = NewService(f.checkout, repos, f.notifier, "usd")
	return f
}

func (f *fixture) deliver(t *testing.T, eventType, object string) *WebhookResult {
	t.Helper()
	f.checkout.event = &Event{ID: "evt_" + eventType, Type: eventType, Object: []byte(object)}
	res, err := f.svc.HandleEvent(context.Background(), []byte("{}"), "ok")
	require.NoError(t, err)
	return res
}

func TestCheckoutTrack(t *testing.T) {
	f := newFixture()

	sess, err := f.svc.CheckoutTrack(context.Background(), 1, 100)
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", sess.ID)

	req := f.checkout.requests[0]
	assert.Equal(t, ModePayment, req.Mode)
	assert.Equal(t, int64(129), req.AmountCents)
	assert.Equal(t, "Luna Waves · Midnight Drive", req.Name)
	assert.Equal(t, KindTrack, req.Metadata["kind"])

	require.Len(t, f.purchases.purchases, 1)
	assert.Equal(t, model.PurchasePending, f.purchases.purchases[0].Status)
	assert.Equal(t, "cs_test_1", f.purchases.purchases[0].StripeSessionID)
}

func TestCheckoutTrackRejects(t *testing.T) {
	f := newFixture()

	_, err := f.svc.CheckoutTrack(context.Background(), 1, 101)
	assert.ErrorIs(t, err, ErrFreeTrack)

	_, err = f.svc.CheckoutTrack(context.Background(), 1, 102)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = f.svc.CheckoutTrack(context.Background(), 99, 100)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	f.purchases.purchases = append(f.purchases.purchases,
		&model.Purchase{ID: 1, UserID: 1, TrackID: 100, Status: model.PurchasePaid})
	_, err = f.svc.CheckoutTrack(context.Background(), 1, 100)
	assert.ErrorIs(t, err, ErrAlreadyOwned)

	assert.Empty(t, f.checkout.requests)
}

func TestCheckoutSubscription(t *testing.T) {
	f := newFixture()

	_, err := f.svc.CheckoutSubscription(context.Background(), 1, 5)
	require.NoError(t, err)
	req := f.checkout.requests[0]
	assert.Equal(t, ModeSubscription, req.Mode)
	assert.Equal(t, model.IntervalMonth, req.Interval)
	assert.Equal(t, "5", req.Metadata["tier_id"])

	_, err = f.svc.CheckoutSubscription(context.Background(), 1, 6)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestTestSession(t *testing.T) {
	f := newFixture()

	_, err := f.svc.TestSession(context.Background(), 10)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	sess, err := f.svc.TestSession(context.Background(), 500)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.URL)
	assert.Equal(t, KindTest, f.checkout.requests[0].Metadata["kind"])

	unconfigured := NewService(nil, Repositories{}, nil, "usd")
	_, err = unconfigured.TestSession(context.Background(), 500)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestPurchaseCompletedIsIdempotent(t *testing.T) {
	f := newFixture()
	_, err := f.svc.CheckoutTrack(context.Background(), 1, 100)
	require.NoError(t, err)

	completed := `{"id":"cs_test_1","payment_status":"paid","payment_intent":"pi_1","customer":"cus_9",
		"amount_total":129,"metadata":{"kind":"track"}}`

	res := f.deliver(t, EventCheckoutCompleted, completed)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	res = f.deliver(t, EventCheckoutCompleted, completed)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)

	p := f.purchases.purchases[0]
	assert.Equal(t, model.PurchasePaid, p.Status)
	assert.Equal(t, "pi_1", p.StripePaymentIntentID)
	assert.Equal(t, int64(129), f.earnings.sales[10])
	assert.Equal(t, 1, f.notifier.receipts)
	assert.Equal(t, "cus_9", f.users.users[1].StripeCustomerID)

	// refund reverses the sale exactly once
	refund := `{"id":"ch_1","payment_intent":"pi_1","amount_refunded":129}`
	assert.Equal(t, OutcomeApplied, f.deliver(t, EventChargeRefunded, refund).Outcome)
	assert.Equal(t, OutcomeDuplicate, f.deliver(t, EventChargeRefunded, refund).Outcome)
	assert.Equal(t, model.PurchaseRefunded, p.Status)
	assert.Equal(t, int64(0), f.earnings.sales[10])
}

func TestDoubleCheckoutRefundsSecondPayment(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// two tabs, two pending sessions for the same track
	_, err := f.svc.CheckoutTrack(ctx, 1, 100)
	require.NoError(t, err)
	_, err = f.svc.CheckoutTrack(ctx, 1, 100)
	require.NoError(t, err)

	first := `{"id":"cs_test_1","payment_status":"paid","payment_intent":"pi_1","amount_total":129,"metadata":{"kind":"track"}}`
	second := `{"id":"cs_test_2","payment_status":"paid","payment_intent":"pi_2","amount_total":129,"metadata":{"kind":"track"}}`
	assert.Equal(t, OutcomeApplied, f.deliver(t, EventCheckoutCompleted, first).Outcome)
	assert.Equal(t, OutcomeRefunded, f.deliver(t, EventCheckoutCompleted, second).Outcome)
	assert.Equal(t, OutcomeDuplicate, f.deliver(t, EventCheckoutCompleted, second).Outcome)

	assert.Equal(t, model.PurchasePaid, f.purchases.purchases[0].Status)
	assert.Equal(t, model.PurchaseRefunded, f.purchases.purchases[1].Status)
	assert.Nil(t, f.purchases.purchases[1].OwnerKey)
	assert.Equal(t, []string{"pi_2"}, f.checkout.refunds)
	assert.Equal(t, int64(129), f.earnings.sales[10])
	assert.Equal(t, 1, f.notifier.receipts)

	// Stripe's charge.refunded for the automatic refund reverses nothing
	refund := `{"id":"ch_2","payment_intent":"pi_2","amount_refunded":129}`
	assert.Equal(t, OutcomeDuplicate, f.deliver(t, EventChargeRefunded, refund).Outcome)
	assert.Equal(t, int64(129), f.earnings.sales[10])
}

func TestConcurrentCompletionHitsOwnerKey(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.svc.CheckoutTrack(ctx, 1, 100)
	require.NoError(t, err)
	_, err = f.svc.CheckoutTrack(ctx, 1, 100)
	require.NoError(t, err)

	f.deliver(t, EventCheckoutCompleted,
		`{"id":"cs_test_1","payment_status":"paid","payment_intent":"pi_1","amount_total":129,"metadata":{"kind":"track"}}`)

	// the second completion read before the first committed
	f.purchases.staleRead = true
	res := f.deliver(t, EventCheckoutCompleted,
		`{"id":"cs_test_2","payment_status":"paid","payment_intent":"pi_2","amount_total":129,"metadata":{"kind":"track"}}`)
	assert.Equal(t, OutcomeRefunded, res.Outcome)
	assert.Equal(t, []string{"pi_2"}, f.checkout.refunds)
	assert.Equal(t, int64(129), f.earnings.sales[10])
}

func TestRepurchaseAfterRefund(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.svc.CheckoutTrack(ctx, 1, 100)
	require.NoError(t, err)
	f.deliver(t, EventCheckoutCompleted,
		`{"id":"cs_test_1","payment_status":"paid","payment_intent":"pi_1","amount_total":129,"metadata":{"kind":"track"}}`)
	f.deliver(t, EventChargeRefunded, `{"id":"ch_1","payment_intent":"pi_1","amount_refunded":129}`)
	assert.Nil(t, f.purchases.purchases[0].OwnerKey)

	_, err = f.svc.CheckoutTrack(ctx, 1, 100)
	require.NoError(t, err)
	res := f.deliver(t, EventCheckoutCompleted,
		`{"id":"cs_test_2","payment_status":"paid","payment_intent":"pi_3","amount_total":129,"metadata":{"kind":"track"}}`)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Empty(t, f.checkout.refunds)
	assert.Equal(t, int64(129), f.earnings.sales[10])
}

func TestUnpaidSessionIgnored(t *testing.T) {
	f := newFixture()
	_, err := f.svc.CheckoutTrack(context.Background(), 1, 100)
	require.NoError(t, err)

	res := f.deliver(t, EventCheckoutCompleted,
		`{"id":"cs_test_1","payment_status":"unpaid","metadata":{"kind":"track"}}`)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Equal(t, model.PurchasePending, f.purchases.purchases[0].Status)
}

func TestSubscriptionLifecycle(t *testing.T) {
	f := newFixture()
	_, err := f.svc.CheckoutSubscription(context.Background(), 1, 5)
	require.NoError(t, err)

	completed := `{"id":"cs_test_1","subscription":"sub_1","amount_total":999,"metadata":{"kind":"subscription"}}`
	assert.Equal(t, OutcomeApplied, f.deliver(t, EventCheckoutCompleted, completed).Outcome)
	assert.Equal(t, OutcomeDuplicate, f.deliver(t, EventCheckoutCompleted, completed).Outcome)

	sub := f.subs.subs[0]
	assert.Equal(t, model.SubscriptionActive, sub.Status)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.True(t, sub.CurrentPeriodEnd.After(time.Now().AddDate(0, 0, 27)))
	assert.Equal(t, 1, f.notifier.confirmations)
	assert.Equal(t, int64(999), f.earnings.sales[10])

	// one live subscription per tier
	_, err = f.svc.CheckoutSubscription(context.Background(), 1, 5)
	assert.ErrorIs(t, err, ErrAlreadyOwned)

	failed := `{"id":"in_1","subscription":"sub_1"}`
	assert.Equal(t, OutcomeApplied, f.deliver(t, EventInvoicePaymentFailed, failed).Outcome)
	assert.Equal(t, model.SubscriptionPastDue, sub.Status)
	assert.Equal(t, OutcomeDuplicate, f.deliver(t, EventInvoicePaymentFailed, failed).Outcome)

	deleted := `{"id":"sub_1","status":"canceled"}`
	assert.Equal(t, OutcomeApplied, f.deliver(t, EventSubscriptionDeleted, deleted).Outcome)
	assert.Equal(t, OutcomeDuplicate, f.deliver(t, EventSubscriptionDeleted, deleted).Outcome)
	assert.Equal(t, model.SubscriptionCanceled, sub.Status)
	assert.NotNil(t, sub.CanceledAt)
}

func TestDoubleSubscriptionCancelsSecond(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.svc.CheckoutSubscription(ctx, 1, 5)
	require.NoError(t, err)
	_, err = f.svc.CheckoutSubscription(ctx, 1, 5)
	require.NoError(t, err)

	first := `{"id":"cs_test_1","subscription":"sub_1","invoice":"in_1","amount_total":999,"metadata":{"kind":"subscription"}}`
	second := `{"id":"cs_test_2","subscription":"sub_2","invoice":"in_2","amount_total":999,"metadata":{"kind":"subscription"}}`
	assert.Equal(t, OutcomeApplied, f.deliver(t, EventCheckoutCompleted, first).Outcome)
	assert.Equal(t, OutcomeRefunded, f.deliver(t, EventCheckoutCompleted, second).Outcome)
	assert.Equal(t, OutcomeDuplicate, f.deliver(t, EventCheckoutCompleted, second).Outcome)

	assert.Equal(t, model.SubscriptionActive, f.subs.subs[0].Status)
	assert.Equal(t, model.SubscriptionCanceled, f.subs.subs[1].Status)
	assert.Equal(t, "sub_2", f.subs.subs[1].StripeSubscriptionID)
	assert.Equal(t, []string{"sub_2/in_2"}, f.checkout.cancels)
	assert.Equal(t, int64(999), f.earnings.sales[10])
	assert.Equal(t, 1, f.notifier.confirmations)

	// Stripe's deletion event for the duplicate changes nothing
	assert.Equal(t, OutcomeDuplicate, f.deliver(t, EventSubscriptionDeleted, `{"id":"sub_2"}`).Outcome)
	assert.Equal(t, model.SubscriptionActive, f.subs.subs[0].Status)

	// canceling the live one frees the tier for a new subscription
	assert.Equal(t, OutcomeApplied, f.deliver(t, EventSubscriptionDeleted, `{"id":"sub_1"}`).Outcome)
	assert.Nil(t, f.subs.subs[0].LiveKey)
	_, err = f.svc.CheckoutSubscription(ctx, 1, 5)
	require.NoError(t, err)
	third := `{"id":"cs_test_3","subscription":"sub_3","invoice":"in_3","amount_total":999,"metadata":{"kind":"subscription"}}`
	assert.Equal(t, OutcomeApplied, f.deliver(t, EventCheckoutCompleted, third).Outcome)
}

func TestStripeRefundAndCancel(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	var keys []string
	var refundForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, r.Method+" "+r.URL.Path)
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/subscriptions/sub_2":
			fmt.Fprint(w, `{"id":"sub_2","object":"subscription","status":"canceled"}`)
		case "/v1/invoices/in_2":
			fmt.Fprint(w, `{"id":"in_2","object":"invoice","payment_intent":"pi_9"}`)
		case "/v1/refunds":
			body, _ := io.ReadAll(r.Body)
			refundForm, _ = url.ParseQuery(string(body))
			fmt.Fprint(w, `{"id":"re_1","object":"refund","status":"succeeded"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"type":"invalid_request_error","message":"not found"}}`)
		}
	}))
	defer srv.Close()

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
	})
	api := &client.API{}
	api.Init("sk_test_x", &stripe.Backends{API: backend})
	sc := &StripeCheckout{api: api}

	require.NoError(t, sc.CancelSubscription(context.Background(), "sub_2", "in_2", "dup-cs_test_2"))
	assert.Equal(t, []string{
		"DELETE /v1/subscriptions/sub_2",
		"GET /v1/invoices/in_2",
		"POST /v1/refunds",
	}, calls)
	assert.Equal(t, "pi_9", refundForm.Get("payment_intent"))
	assert.Equal(t, "dup-cs_test_2-cancel", keys[0])
	assert.Equal(t, "dup-cs_test_2-refund", keys[2])
}

func TestUnknownEventsIgnored(t *testing.T) {
	f := newFixture()
	res := f.deliver(t, "customer.created", `{"id":"cus_1"}`)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	res = f.deliver(t, EventSubscriptionDeleted, `{"id":"sub_unknown"}`)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
}

func TestHandleEventBadSignature(t *testing.T) {
	f := newFixture()
	f.checkout.event = &Event{ID: "evt_1", Type: EventCheckoutCompleted}
	_, err := f.svc.HandleEvent(context.Background(), []byte("{}"), "forged")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func signPayload(secret string, payload []byte, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", ts.Unix(), payload)))
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestStripeVerifyWebhook(t *testing.T) {
	sc := NewStripeCheckout("sk_test_x", "whsec_test", "https://encore.test/ok", "https://encore.test/cancel")
	payload := []byte(`{"id":"evt_42","object":"event","type":"charge.refunded",` +
		`"data":{"object":{"id":"ch_1","payment_intent":"pi_7"}}}`)

	event, err := sc.VerifyWebhook(payload, signPayload("whsec_test", payload, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "evt_42", event.ID)
	assert.Equal(t, EventChargeRefunded, event.Type)
	assert.JSONEq(t, `{"id":"ch_1","payment_intent":"pi_7"}`, string(event.Object))

	_, err = sc.VerifyWebhook(payload, signPayload("whsec_other", payload, time.Now()))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = sc.VerifyWebhook(payload, signPayload("whsec_test", payload, time.Now().Add(-time.Hour)))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestStripeCreateSession(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		form, _ = url.ParseQuery(string(body))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cs_test_abc","object":"checkout.session","url":"https://checkout.stripe.com/c/pay/cs_test_abc"}`)
	}))
	defer srv.Close()

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
	})
	api := &client.API{}
	api.Init("sk_test_x", &stripe.Backends{API: backend})
	sc := &StripeCheckout{api: api, successURL: "https://encore.test/ok", cancelURL: "https://encore.test/cancel"}

	sess, err := sc.CreateSession(context.Background(), &SessionRequest{
		Mode:        ModeSubscription,
		Name:        "Luna Waves · Superfan",
		AmountCents: 999,
		Currency:    "usd",
		Interval:    model.IntervalMonth,
		Metadata:    map[string]string{"kind": KindSubscription},
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_abc", sess.ID)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_abc", sess.URL)

	assert.Equal(t, "subscription", form.Get("mode"))
	assert.Equal(t, "999", form.Get("line_items[0][price_data][unit_amount]"))
	assert.Equal(t, "month", form.Get("line_items[0][price_data][recurring][interval]"))
	assert.Equal(t, KindSubscription, form.Get("metadata[kind]"))
	assert.Equal(t, KindSubscription, form.Get("subscription_data[metadata][kind]"))
}
