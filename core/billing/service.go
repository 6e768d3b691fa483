package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"Encore/logger"
	"Encore/metrics"
	"Encore/model"
	"Encore/repository"
)

var (
	// ErrFreeTrack is returned when checking out a track with no price.
	ErrFreeTrack = errors.New("track is free and cannot be purchased")
	// ErrAlreadyOwned is returned when the fan already owns the track or tier.
	ErrAlreadyOwned = errors.New("already purchased or subscribed")
	// ErrInvalidAmount is returned for test sessions below the Stripe minimum.
	ErrInvalidAmount = errors.New("amount must be at least 50 cents")
	// ErrNotConfigured is returned when no Stripe key is set.
	ErrNotConfigured = errors.New("payments are not configured")
)

const minChargeCents = 50

// 结账种类，写在 session metadata 里
const (
	KindSubscription = "subscription"
	KindTrack        = "track"
	KindTest         = "test"
)

// Notifier sends the post-payment emails. *email.Mailer implements it.
type Notifier interface {
	SendReceipt(ctx context.Context, to string, purchase *model.Purchase, track *model.Track) (*model.EmailLog, error)
	SendSubscriptionConfirmed(ctx context.Context, to string, tier *model.SubscriptionTier, artistName, currency string) (*model.EmailLog, error)
}

// Repositories groups the stores the billing service reads and writes.
type Repositories struct {
	Users         repository.UserRepository
	Artists       repository.ArtistRepository
	Tracks        repository.TrackRepository
	Tiers         repository.TierRepository
	Subscriptions repository.SubscriptionRepository
	Purchases     repository.PurchaseRepository
	Earnings      repository.EarningRepository
}

// Service creates checkout sessions and applies payment webhooks.
type Service struct {
	checkout Checkout
	repos    Repositories
	notifier Notifier
	currency string
}

// NewService creates a billing Service. checkout may be nil when Stripe is
// not configured; notifier may be nil.
func NewService(checkout Checkout, repos Repositories, notifier Notifier, currency string) *Service {
	return &Service{checkout: checkout, repos: repos, notifier: notifier, currency: currency}
}

// CheckoutSubscription starts a Stripe subscription checkout for a fan.
func (s *Service) CheckoutSubscription(ctx context.Context, fanID, tierID int64) (*Session, error) {
	if s.checkout == nil {
		return nil, ErrNotConfigured
	}
	fan, err := s.repos.Users.GetUserByID(ctx, fanID)
	if err != nil {
		return nil, fmt.Errorf("failed to load fan: %w", err)
	}
	if fan == nil {
		return nil, fmt.Errorf("fan %d: %w", fanID, repository.ErrNotFound)
	}
	tier, err := s.repos.Tiers.GetByID(ctx, tierID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tier: %w", err)
	}
	if tier == nil || !tier.Active {
		return nil, fmt.Errorf("tier %d: %w", tierID, repository.ErrNotFound)
	}

	existing, err := s.repos.Subscriptions.FindActive(ctx, fanID, tierID)
	if err != nil {
		return nil, fmt.Errorf("failed to check subscriptions: %w", err)
	}
	if existing != nil {
		return nil, ErrAlreadyOwned
	}

	artist, err := s.repos.Artists.GetByID(ctx, tier.ArtistID)
	if err != nil {
		return nil, fmt.Errorf("failed to load artist: %w", err)
	}
	name := tier.Name
	if artist != nil {
		name = artist.Name + " · " + tier.Name
	}

	sess, err := s.checkout.CreateSession(ctx, &SessionRequest{
		Mode:            ModeSubscription,
		Name:            name,
		AmountCents:     tier.PriceCents,
		Currency:        s.currency,
		Interval:        tier.Interval,
		PriceID:         tier.StripePriceID,
		CustomerID:      fan.StripeCustomerID,
		CustomerEmail:   fan.Email,
		ClientReference: strconv.FormatInt(fanID, 10),
		Metadata: map[string]string{
			"kind":      KindSubscription,
			"user_id":   strconv.FormatInt(fanID, 10),
			"tier_id":   strconv.FormatInt(tierID, 10),
			"artist_id": strconv.FormatInt(tier.ArtistID, 10),
		},
	})
	if err != nil {
		return nil, err
	}

	sub := &model.Subscription{
		UserID:          fanID,
		TierID:          tierID,
		ArtistID:        tier.ArtistID,
		Status:          model.SubscriptionPending,
		StripeSessionID: sess.ID,
	}
	if err := s.repos.Subscriptions.Create(ctx, sub); err != nil {
		return nil, err
	}

	metrics.RecordCheckout(KindSubscription)
	logger.Info("[Billing] 创建订阅结账",
		logger.Int64("userId", fanID),
		logger.Int64("tierId", tierID),
		logger.String("sessionId", sess.ID))
	return sess, nil
}

// CheckoutTrack starts a one-off purchase of a track.
func (s *Service) CheckoutTrack(ctx context.Context, fanID, trackID int64) (*Session, error) {
	if s.checkout == nil {
		return nil, ErrNotConfigured
	}
	fan, err := s.repos.Users.GetUserByID(ctx, fanID)
	if err != nil {
		return nil, fmt.Errorf("failed to load fan: %w", err)
	}
	if fan == nil {
		return nil, fmt.Errorf("fan %d: %w", fanID, repository.ErrNotFound)
	}
	track, err := s.repos.Tracks.GetByID(ctx, trackID)
	if err != nil {
		return nil, fmt.Errorf("failed to load track: %w", err)
	}
	if track == nil || track.Status != model.TrackStatusPublished {
		return nil, fmt.Errorf("track %d: %w", trackID, repository.ErrNotFound)
	}
	if track.PriceCents <= 0 {
		return nil, ErrFreeTrack
	}

	owned, err := s.repos.Purchases.FindPaid(ctx, fanID, trackID)
	if err != nil {
		return nil, fmt.Errorf("failed to check purchases: %w", err)
	}
	if owned != nil {
		return nil, ErrAlreadyOwned
	}

	name := track.Title
	if track.Artist != nil {
		name = track.Artist.Name + " · " + track.Title
	}
	sess, err := s.checkout.CreateSession(ctx, &SessionRequest{
		Mode:            ModePayment,
		Name:            name,
		AmountCents:     track.PriceCents,
		Currency:        s.currency,
		CustomerID:      fan.StripeCustomerID,
		CustomerEmail:   fan.Email,
		ClientReference: strconv.FormatInt(fanID, 10),
		Metadata: map[string]string{
			"kind":      KindTrack,
			"user_id":   strconv.FormatInt(fanID, 10),
			"track_id":  strconv.FormatInt(trackID, 10),
			"artist_id": strconv.FormatInt(track.ArtistID, 10),
		},
	})
	if err != nil {
		return nil, err
	}

	purchase := &model.Purchase{
		UserID:          fanID,
		TrackID:         trackID,
		ArtistID:        track.ArtistID,
		AmountCents:     track.PriceCents,
		Currency:        s.currency,
		Status:          model.PurchasePending,
		StripeSessionID: sess.ID,
	}
	if err := s.repos.Purchases.Create(ctx, purchase); err != nil {
		return nil, err
	}

	metrics.RecordCheckout(KindTrack)
	logger.Info("[Billing] 创建单曲结账",
		logger.Int64("userId", fanID),
		logger.Int64("trackId", trackID),
		logger.String("sessionId", sess.ID))
	return sess, nil
}

// TestSession creates a throwaway payment session for the admin harness.
func (s *Service) TestSession(ctx context.Context, amountCents int64) (*Session, error) {
	if s.checkout == nil {
		return nil, ErrNotConfigured
	}
	if amountCents < minChargeCents {
		return nil, ErrInvalidAmount
	}
	sess, err := s.checkout.CreateSession(ctx, &SessionRequest{
		Mode:        ModePayment,
		Name:        "Encore test payment",
		AmountCents: amountCents,
		Currency:    s.currency,
		Metadata:    map[string]string{"kind": KindTest},
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordCheckout(KindTest)
	logger.Info("[Billing] 创建测试结账",
		logger.Int64("amountCents", amountCents),
		logger.String("sessionId", sess.ID))
	return sess, nil
}
