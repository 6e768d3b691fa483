package server

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"Encore/core/billing"
	"Encore/core/email"
	"Encore/model"
	"Encore/repository"
)

// In-memory repositories. Each embeds its interface so only the methods the
// handlers under test call need bodies.

type fakeUsers struct {
	repository.UserRepository
	users  map[int64]*model.User
	nextID int64
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{users: make(map[int64]*model.User)}
}

func (f *fakeUsers) CreateUser(ctx context.Context, user *model.User) error {
	for _, u := range f.users {
		if u.Username == user.Username || u.Email == user.Email {
			return fmt.Errorf("user: %w", repository.ErrDuplicate)
		}
	}
	f.nextID++
	user.ID = f.nextID
	f.users[user.ID] = user
	return nil
}

func (f *fakeUsers) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return f.users[id], nil
}

func (f *fakeUsers) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	for _, u := range f.users {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, nil
}

func (f *fakeUsers) GetUserByEmail(ctx context.Context, addr string) (*model.User, error) {
	for _, u := range f.users {
		if u.Email == addr {
			return u, nil
		}
	}
	return nil, nil
}

func (f *fakeUsers) UpdateStatus(ctx context.Context, id int64, status string) error {
	u, ok := f.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	u.Status = status
	return nil
}

func (f *fakeUsers) UpdateRole(ctx context.Context, id int64, role model.Role) error {
	u, ok := f.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	u.Role = role
	return nil
}

func (f *fakeUsers) UpdateProfile(ctx context.Context, id int64, displayName string) error {
	u, ok := f.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	u.DisplayName = displayName
	return nil
}

func (f *fakeUsers) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	u, ok := f.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	u.PasswordHash = passwordHash
	return nil
}

func (f *fakeUsers) SetStripeCustomerID(ctx context.Context, id int64, customerID string) error {
	return nil
}

func (f *fakeUsers) CountByRole(ctx context.Context) (map[model.Role]int64, error) {
	counts := make(map[model.Role]int64)
	for _, u := range f.users {
		counts[u.Role]++
	}
	return counts, nil
}

type fakeArtists struct {
	repository.ArtistRepository
	artists map[int64]*model.Artist
	nextID  int64
}

func newFakeArtists() *fakeArtists {
	return &fakeArtists{artists: make(map[int64]*model.Artist)}
}

func (f *fakeArtists) Create(ctx context.Context, a *model.Artist) error {
	for _, other := range f.artists {
		if other.Slug == a.Slug {
			return repository.ErrDuplicate
		}
	}
	f.nextID++
	a.ID = f.nextID
	f.artists[a.ID] = a
	return nil
}

func (f *fakeArtists) Update(ctx context.Context, a *model.Artist) error {
	for _, other := range f.artists {
		if other.ID != a.ID && other.Slug == a.Slug {
			return repository.ErrDuplicate
		}
	}
	f.artists[a.ID] = a
	return nil
}

func (f *fakeArtists) GetByID(ctx context.Context, id int64) (*model.Artist, error) {
	return f.artists[id], nil
}

func (f *fakeArtists) GetBySlug(ctx context.Context, slug string) (*model.Artist, error) {
	for _, a := range f.artists {
		if a.Slug == slug {
			return a, nil
		}
	}
	return nil, nil
}

func (f *fakeArtists) GetByUserID(ctx context.Context, userID int64) (*model.Artist, error) {
	for _, a := range f.artists {
		if a.UserID == userID {
			return a, nil
		}
	}
	return nil, nil
}

type fakeTracks struct {
	repository.TrackRepository
	mu     sync.Mutex
	tracks map[int64]*model.Track
	nextID int64
}

func newFakeTracks() *fakeTracks {
	return &fakeTracks{tracks: make(map[int64]*model.Track)}
}

func (f *fakeTracks) Create(ctx context.Context, t *model.Track) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	t.ID = f.nextID
	f.tracks[t.ID] = t
	return nil
}

func (f *fakeTracks) Update(ctx context.Context, t *model.Track) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks[t.ID] = t
	return nil
}

func (f *fakeTracks) GetByID(ctx context.Context, id int64) (*model.Track, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tracks[id], nil
}

func (f *fakeTracks) GetByIDs(ctx context.Context, ids []int64) ([]*model.Track, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Track
	for _, id := range ids {
		if t, ok := f.tracks[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTracks) List(ctx context.Context, opts repository.ListOptions) ([]*model.Track, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Track
	for _, t := range f.tracks {
		if opts.Status != "" && t.Status != opts.Status {
			continue
		}
		if opts.ArtistID != 0 && t.ArtistID != opts.ArtistID {
			continue
		}
		if opts.Genre != "" && t.Genre != opts.Genre {
			continue
		}
		if opts.Query != "" && !strings.Contains(strings.ToLower(t.Title), strings.ToLower(opts.Query)) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	total := int64(len(out))
	limit, offset := opts.Page()
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (f *fakeTracks) UpdateStatus(ctx context.Context, id int64, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tracks[id]
	if !ok {
		return repository.ErrNotFound
	}
	t.Status = status
	return nil
}

func (f *fakeTracks) Delete(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tracks, id)
	return nil
}

func (f *fakeTracks) TopByArtist(ctx context.Context, artistID int64, limit int) ([]*model.Track, error) {
	tracks, _, err := f.List(ctx, repository.ListOptions{ArtistID: artistID, Limit: limit})
	return tracks, err
}

func (f *fakeTracks) CountByStatus(ctx context.Context) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int64)
	for _, t := range f.tracks {
		counts[t.Status]++
	}
	return counts, nil
}

type fakeLikes struct {
	repository.LikeRepository
	liked map[[2]int64]bool
}

func (f *fakeLikes) Like(ctx context.Context, userID, trackID int64) (bool, error) {
	key := [2]int64{userID, trackID}
	if f.liked[key] {
		return false, nil
	}
	f.liked[key] = true
	return true, nil
}

func (f *fakeLikes) Unlike(ctx context.Context, userID, trackID int64) (bool, error) {
	key := [2]int64{userID, trackID}
	if !f.liked[key] {
		return false, nil
	}
	delete(f.liked, key)
	return true, nil
}

func (f *fakeLikes) LikedSet(ctx context.Context, userID int64, trackIDs []int64) (map[int64]bool, error) {
	out := make(map[int64]bool)
	for _, id := range trackIDs {
		if f.liked[[2]int64{userID, id}] {
			out[id] = true
		}
	}
	return out, nil
}

func (f *fakeLikes) LikedTracks(ctx context.Context, userID int64, opts repository.ListOptions) ([]*model.Track, int64, error) {
	return nil, int64(len(f.liked)), nil
}

type fakePlaylists struct {
	repository.PlaylistRepository
	playlists map[int64]*model.Playlist
}

func (f *fakePlaylists) GetByID(ctx context.Context, id int64) (*model.Playlist, error) {
	return f.playlists[id], nil
}

func (f *fakePlaylists) ListByUser(ctx context.Context, userID int64) ([]*model.Playlist, error) {
	var out []*model.Playlist
	for _, p := range f.playlists {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakePlaylists) Tracks(ctx context.Context, playlistID int64) ([]*model.Track, error) {
	return nil, nil
}

type fakePlays struct {
	repository.PlayRepository
	mu     sync.Mutex
	events []*model.PlayEvent
}

func (f *fakePlays) Create(ctx context.Context, e *model.PlayEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakePlays) StatsByArtist(ctx context.Context, artistID int64, since time.Time) (*repository.PlayStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := &repository.PlayStats{}
	for _, e := range f.events {
		if e.ArtistID != artistID || e.CreatedAt.Before(since) {
			continue
		}
		stats.TotalPlays++
		if e.Counted {
			stats.CountedPlays++
		}
	}
	return stats, nil
}

func (f *fakePlays) DailyByArtist(ctx context.Context, artistID int64, since time.Time) ([]repository.DailyPlays, error) {
	return nil, nil
}

func (f *fakePlays) CountSince(ctx context.Context, since time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.events)), nil
}

type fakeEarnings struct {
	repository.EarningRepository
	rows []*model.Earning
}

func (f *fakeEarnings) Range(ctx context.Context, artistID int64, fromDay, toDay string) ([]*model.Earning, error) {
	var out []*model.Earning
	for _, e := range f.rows {
		if e.ArtistID == artistID && e.Day >= fromDay && e.Day <= toDay {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeEarnings) Totals(ctx context.Context) (*model.EarningsSummary, error) {
	return repository.Summarize(f.rows), nil
}

type fakeTiers struct {
	repository.TierRepository
	tiers  map[int64]*model.SubscriptionTier
	nextID int64
}

func (f *fakeTiers) Create(ctx context.Context, t *model.SubscriptionTier) error {
	f.nextID++
	t.ID = f.nextID
	f.tiers[t.ID] = t
	return nil
}

func (f *fakeTiers) GetByID(ctx context.Context, id int64) (*model.SubscriptionTier, error) {
	return f.tiers[id], nil
}

func (f *fakeTiers) ListByArtist(ctx context.Context, artistID int64, activeOnly bool) ([]*model.SubscriptionTier, error) {
	var out []*model.SubscriptionTier
	for _, t := range f.tiers {
		if t.ArtistID == artistID && (!activeOnly || t.Active) {
			out = append(out, t)
		}
	}
	return out, nil
}

type fakeSubscriptions struct {
	repository.SubscriptionRepository
	subs []*model.Subscription
}

func (f *fakeSubscriptions) Create(ctx context.Context, s *model.Subscription) error {
	s.ID = int64(len(f.subs) + 1)
	f.subs = append(f.subs, s)
	return nil
}

func (f *fakeSubscriptions) FindActive(ctx context.Context, userID, tierID int64) (*model.Subscription, error) {
	for _, s := range f.subs {
		if s.UserID == userID && s.TierID == tierID && s.Status == model.SubscriptionActive {
			return s, nil
		}
	}
	return nil, nil
}

func (f *fakeSubscriptions) ListByUser(ctx context.Context, userID int64) ([]*model.Subscription, error) {
	var out []*model.Subscription
	for _, s := range f.subs {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSubscriptions) CountActiveByArtist(ctx context.Context, artistID int64) (int64, error) {
	var n int64
	for _, s := range f.subs {
		if s.ArtistID == artistID && s.Status == model.SubscriptionActive {
			n++
		}
	}
	return n, nil
}

func (f *fakeSubscriptions) CountByStatus(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64)
	for _, s := range f.subs {
		counts[s.Status]++
	}
	return counts, nil
}

type fakePurchases struct {
	repository.PurchaseRepository
	purchases []*model.Purchase
}

func (f *fakePurchases) Create(ctx context.Context, p *model.Purchase) error {
	p.ID = int64(len(f.purchases) + 1)
	f.purchases = append(f.purchases, p)
	return nil
}

func (f *fakePurchases) FindPaid(ctx context.Context, userID, trackID int64) (*model.Purchase, error) {
	for _, p := range f.purchases {
		if p.UserID == userID && p.TrackID == trackID && p.Status == model.PurchasePaid {
			return p, nil
		}
	}
	return nil, nil
}

func (f *fakePurchases) ListByUser(ctx context.Context, userID int64) ([]*model.Purchase, error) {
	var out []*model.Purchase
	for _, p := range f.purchases {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakePurchases) SumPaid(ctx context.Context) (int64, error) {
	var sum int64
	for _, p := range f.purchases {
		if p.Status == model.PurchasePaid {
			sum += p.AmountCents
		}
	}
	return sum, nil
}

type fakeAds struct {
	repository.AdRepository
	ads         map[int64]*model.Ad
	impressions []int64
}

func (f *fakeAds) GetByID(ctx context.Context, id int64) (*model.Ad, error) {
	return f.ads[id], nil
}

func (f *fakeAds) Create(ctx context.Context, ad *model.Ad) error {
	ad.ID = int64(len(f.ads) + 1)
	f.ads[ad.ID] = ad
	return nil
}

func (f *fakeAds) Live(ctx context.Context, placement string, now time.Time, limit int) ([]*model.Ad, error) {
	var out []*model.Ad
	for _, ad := range f.ads {
		if ad.LiveAt(now) && (placement == "" || ad.Placement == placement) {
			out = append(out, ad)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeAds) RecordImpressions(ctx context.Context, ids []int64) error {
	f.impressions = append(f.impressions, ids...)
	for _, id := range ids {
		f.ads[id].Impressions++
	}
	return nil
}

func (f *fakeAds) RecordClick(ctx context.Context, id int64) error {
	f.ads[id].Clicks++
	return nil
}

func (f *fakeAds) UpdateStatus(ctx context.Context, id int64, status string) error {
	ad, ok := f.ads[id]
	if !ok {
		return repository.ErrNotFound
	}
	ad.Status = status
	return nil
}

type fakeSubscribers struct {
	repository.SubscriberRepository
	subs []*model.Subscriber
}

func sameArtist(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (f *fakeSubscribers) Create(ctx context.Context, s *model.Subscriber) error {
	s.ID = int64(len(f.subs) + 1)
	f.subs = append(f.subs, s)
	return nil
}

func (f *fakeSubscribers) Update(ctx context.Context, s *model.Subscriber) error {
	return nil
}

func (f *fakeSubscribers) GetByToken(ctx context.Context, token string) (*model.Subscriber, error) {
	for _, s := range f.subs {
		if s.Token == token {
			return s, nil
		}
	}
	return nil, nil
}

func (f *fakeSubscribers) GetByEmail(ctx context.Context, addr string, artistID *int64) (*model.Subscriber, error) {
	for _, s := range f.subs {
		if s.Email == addr && sameArtist(s.ArtistID, artistID) {
			return s, nil
		}
	}
	return nil, nil
}

type fakeEmailLogs struct {
	repository.EmailLogRepository
	mu      sync.Mutex
	entries []*model.EmailLog
}

func (f *fakeEmailLogs) Create(ctx context.Context, e *model.EmailLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeEmailLogs) List(ctx context.Context, opts repository.ListOptions) ([]*model.EmailLog, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries, int64(len(f.entries)), nil
}

// fakeStore keeps uploaded objects in memory.
type fakeStore struct {
	objects map[string][]byte
	types   map[string]string
	removed []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (s *fakeStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.objects[key] = data
	s.types[key] = contentType
	return nil
}

func (s *fakeStore) PresignedGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://minio.test/encore/" + key + "?X-Amz-Expires=" + fmt.Sprint(int(ttl.Seconds())), nil
}

func (s *fakeStore) Remove(ctx context.Context, key string) error {
	s.removed = append(s.removed, key)
	delete(s.objects, key)
	return nil
}

// fakeSender records outgoing mail.
type fakeSender struct {
	mu   sync.Mutex
	sent []*email.Message
	err  error
}

func (s *fakeSender) Send(ctx context.Context, msg *email.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.sent = append(s.sent, msg)
	return fmt.Sprintf("re_%d", len(s.sent)), nil
}

// fakeCheckout hands out predictable sessions and accepts the signature "good".
type fakeCheckout struct {
	requests []*billing.SessionRequest
	event    *billing.Event
}

func (c *fakeCheckout) CreateSession(ctx context.Context, req *billing.SessionRequest) (*billing.Session, error) {
	c.requests = append(c.requests, req)
	id := fmt.Sprintf("cs_test_%d", len(c.requests))
	return &billing.Session{ID: id, URL: "https://checkout.stripe.test/" + id}, nil
}

func (c *fakeCheckout) Refund(ctx context.Context, paymentIntentID, idempotencyKey string) error {
	return nil
}

func (c *fakeCheckout) CancelSubscription(ctx context.Context, subscriptionID, invoiceID, idempotencyKey string) error {
	return nil
}

func (c *fakeCheckout) VerifyWebhook(payload []byte, signature string) (*billing.Event, error) {
	if signature != "good" || c.event == nil {
		return nil, billing.ErrInvalidSignature
	}
	return c.event, nil
}
