package seed

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"Encore/core/auth"
	"Encore/logger"
	"Encore/model"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

//go:embed fixtures.yaml
var fixturesYAML []byte

// Fixtures is the demo catalog.
type Fixtures struct {
	Artists []ArtistFixture `yaml:"artists"`
	Ads     []AdFixture     `yaml:"ads"`
}

type ArtistFixture struct {
	Slug     string         `yaml:"slug"`
	Name     string         `yaml:"name"`
	Username string         `yaml:"username"`
	Email    string         `yaml:"email"`
	Genre    string         `yaml:"genre"`
	Bio      string         `yaml:"bio"`
	Verified bool           `yaml:"verified"`
	Featured bool           `yaml:"featured"`
	Tiers    []TierFixture  `yaml:"tiers"`
	Tracks   []TrackFixture `yaml:"tracks"`
}

type TierFixture struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	PriceCents  int64    `yaml:"price_cents"`
	Interval    string   `yaml:"interval"`
	Perks       []string `yaml:"perks"`
}

type TrackFixture struct {
	Title      string `yaml:"title"`
	Genre      string `yaml:"genre"`
	Duration   int    `yaml:"duration"`
	PriceCents int64  `yaml:"price_cents"`
	Explicit   bool   `yaml:"explicit"`
	AudioKey   string `yaml:"audio_key"`
}

type AdFixture struct {
	Title     string `yaml:"title"`
	Owner     string `yaml:"owner"` // username
	Placement string `yaml:"placement"`
	Status    string `yaml:"status"`
	TargetURL string `yaml:"target_url"`
	ImageURL  string `yaml:"image_url"`
	Days      int    `yaml:"days"`
}

// Report counts the rows Apply created.
type Report struct {
	Users   int `json:"users"`
	Artists int `json:"artists"`
	Tiers   int `json:"tiers"`
	Tracks  int `json:"tracks"`
	Ads     int `json:"ads"`
}

// Options tunes Apply.
type Options struct {
	// AdminEmail and AdminPassword create an admin account when both are set.
	AdminEmail    string
	AdminPassword string
	Now           func() time.Time
}

// Load parses the embedded fixtures.
func Load() (*Fixtures, error) {
	return Parse(fixturesYAML)
}

// Parse decodes and validates fixtures from data.
func Parse(data []byte) (*Fixtures, error) {
	var f Fixtures
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse fixtures: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *Fixtures) validate() error {
	slugs := make(map[string]bool)
	users := make(map[string]bool)
	for _, a := range f.Artists {
		if a.Slug == "" || a.Name == "" || a.Username == "" || a.Email == "" {
			return fmt.Errorf("artist %q: slug, name, username and email are required", a.Slug)
		}
		if slugs[a.Slug] {
			return fmt.Errorf("duplicate artist slug %q", a.Slug)
		}
		slugs[a.Slug] = true
		users[a.Username] = true

		for _, t := range a.Tiers {
			if t.PriceCents <= 0 {
				return fmt.Errorf("tier %q of %s: price must be positive", t.Name, a.Slug)
			}
			if t.Interval != "" && t.Interval != model.IntervalMonth && t.Interval != model.IntervalYear {
				return fmt.Errorf("tier %q of %s: unknown interval %q", t.Name, a.Slug, t.Interval)
			}
		}
		for _, t := range a.Tracks {
			if t.Title == "" || t.Duration <= 0 {
				return fmt.Errorf("track %q of %s: title and duration are required", t.Title, a.Slug)
			}
			if t.PriceCents < 0 {
				return fmt.Errorf("track %q of %s: negative price", t.Title, a.Slug)
			}
		}
	}
	for _, ad := range f.Ads {
		if !users[ad.Owner] {
			return fmt.Errorf("ad %q: unknown owner %q", ad.Title, ad.Owner)
		}
		if ad.TargetURL == "" {
			return fmt.Errorf("ad %q: target_url is required", ad.Title)
		}
	}
	return nil
}

// Apply inserts every fixture that is not in the database yet. Existing rows
// are left untouched, so running it twice is a no-op.
func Apply(ctx context.Context, db *gorm.DB, f *Fixtures, opts Options) (*Report, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	now := opts.Now()
	report := &Report{}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if opts.AdminEmail != "" && opts.AdminPassword != "" {
			created, err := ensureUser(tx, &model.User{
				Username:    "admin",
				Email:       opts.AdminEmail,
				DisplayName: "Admin",
				Role:        model.RoleAdmin,
			}, opts.AdminPassword)
			if err != nil {
				return err
			}
			report.Users += created
		}

		owners := make(map[string]int64)
		for _, a := range f.Artists {
			user := &model.User{
				Username:    a.Username,
				Email:       a.Email,
				DisplayName: a.Name,
				Role:        model.RoleCreator,
			}
			// 演示账号使用随机密码，需要走重置流程才能登录
			created, err := ensureUser(tx, user, uuid.NewString())
			if err != nil {
				return err
			}
			report.Users += created
			owners[a.Username] = user.ID

			artist := &model.Artist{}
			res := tx.Where("slug = ?", a.Slug).Limit(1).Find(artist)
			if res.Error != nil {
				return fmt.Errorf("failed to look up artist %s: %w", a.Slug, res.Error)
			}
			if res.RowsAffected == 0 {
				artist = &model.Artist{
					UserID:   user.ID,
					Slug:     a.Slug,
					Name:     a.Name,
					Bio:      a.Bio,
					Genre:    a.Genre,
					Verified: a.Verified,
					Featured: a.Featured,
				}
				if err := tx.Create(artist).Error; err != nil {
					return fmt.Errorf("failed to create artist %s: %w", a.Slug, err)
				}
				report.Artists++
			}

			n, err := applyTiers(tx, artist.ID, a.Tiers)
			if err != nil {
				return err
			}
			report.Tiers += n

			n, err = applyTracks(tx, artist, a.Tracks, now)
			if err != nil {
				return err
			}
			report.Tracks += n
		}

		n, err := applyAds(tx, owners, f.Ads, now)
		if err != nil {
			return err
		}
		report.Ads += n
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("[Seed] 演示数据写入完成",
		logger.Int("users", report.Users),
		logger.Int("artists", report.Artists),
		logger.Int("tiers", report.Tiers),
		logger.Int("tracks", report.Tracks),
		logger.Int("ads", report.Ads))
	return report, nil
}

// ensureUser loads the user by username into u, creating it when missing.
func ensureUser(tx *gorm.DB, u *model.User, password string) (int, error) {
	res := tx.Where("username = ?", u.Username).Limit(1).Find(u)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to look up user %s: %w", u.Username, res.Error)
	}
	if res.RowsAffected > 0 {
		return 0, nil
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return 0, err
	}
	u.PasswordHash = hash
	u.Status = model.UserStatusActive
	if err := tx.Create(u).Error; err != nil {
		return 0, fmt.Errorf("failed to create user %s: %w", u.Username, err)
	}
	return 1, nil
}

func applyTiers(tx *gorm.DB, artistID int64, tiers []TierFixture) (int, error) {
	created := 0
	for _, t := range tiers {
		var count int64
		if err := tx.Model(&model.SubscriptionTier{}).
			Where("artist_id = ? AND name = ?", artistID, t.Name).
			Count(&count).Error; err != nil {
			return created, fmt.Errorf("failed to look up tier %s: %w", t.Name, err)
		}
		if count > 0 {
			continue
		}

		interval := t.Interval
		if interval == "" {
			interval = model.IntervalMonth
		}
		tier := &model.SubscriptionTier{
			ArtistID:    artistID,
			Name:        t.Name,
			Description: t.Description,
			PriceCents:  t.PriceCents,
			Interval:    interval,
			Perks:       model.StringList(t.Perks),
			Active:      true,
		}
		if err := tx.Create(tier).Error; err != nil {
			return created, fmt.Errorf("failed to create tier %s: %w", t.Name, err)
		}
		created++
	}
	return created, nil
}

func applyTracks(tx *gorm.DB, artist *model.Artist, tracks []TrackFixture, now time.Time) (int, error) {
	created := 0
	for _, t := range tracks {
		var count int64
		if err := tx.Model(&model.Track{}).
			Where("artist_id = ? AND title = ?", artist.ID, t.Title).
			Count(&count).Error; err != nil {
			return created, fmt.Errorf("failed to look up track %s: %w", t.Title, err)
		}
		if count > 0 {
			continue
		}

		key := t.AudioKey
		if key == "" {
			key = fmt.Sprintf("audio/%s/%s.mp3", artist.Slug, slugify(t.Title))
		}
		publishedAt := now
		track := &model.Track{
			ArtistID:    artist.ID,
			Title:       t.Title,
			Genre:       t.Genre,
			Duration:    t.Duration,
			AudioKey:    key,
			PriceCents:  t.PriceCents,
			Explicit:    t.Explicit,
			Status:      model.TrackStatusPublished,
			PublishedAt: &publishedAt,
		}
		if err := tx.Create(track).Error; err != nil {
			return created, fmt.Errorf("failed to create track %s: %w", t.Title, err)
		}
		created++
	}
	return created, nil
}

func applyAds(tx *gorm.DB, owners map[string]int64, ads []AdFixture, now time.Time) (int, error) {
	created := 0
	for _, a := range ads {
		var count int64
		if err := tx.Model(&model.Ad{}).Where("title = ?", a.Title).Count(&count).Error; err != nil {
			return created, fmt.Errorf("failed to look up ad %s: %w", a.Title, err)
		}
		if count > 0 {
			continue
		}
		ownerID, ok := owners[a.Owner]
		if !ok {
			return created, errors.New("unknown ad owner " + a.Owner)
		}

		status := a.Status
		if status == "" {
			status = model.AdPending
		}
		ad := &model.Ad{
			OwnerID:   ownerID,
			Title:     a.Title,
			ImageURL:  a.ImageURL,
			TargetURL: a.TargetURL,
			Placement: a.Placement,
			Status:    status,
		}
		if a.Days > 0 {
			start := now
			end := now.AddDate(0, 0, a.Days)
			ad.StartsAt, ad.EndsAt = &start, &end
		}
		if err := tx.Create(ad).Error; err != nil {
			return created, fmt.Errorf("failed to create ad %s: %w", a.Title, err)
		}
		created++
	}
	return created, nil
}

func slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
