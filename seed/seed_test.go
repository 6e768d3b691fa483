package seed

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	gdb, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	return gdb, mock
}

func TestLoadEmbeddedFixtures(t *testing.T) {
	f, err := Load()
	require.NoError(t, err)

	require.Len(t, f.Artists, 3)
	assert.Equal(t, "luna-waves", f.Artists[0].Slug)
	assert.True(t, f.Artists[0].Featured)
	assert.Len(t, f.Artists[0].Tiers, 3)
	assert.Equal(t, "year", f.Artists[0].Tiers[2].Interval)
	assert.Len(t, f.Ads, 3)
}

func TestParseRejectsBadFixtures(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"malformed", "artists: [\n"},
		{"missing slug", "artists:\n  - name: X\n    username: x\n    email: x@x"},
		{"duplicate slug", "artists:\n  - {slug: a, name: A, username: a, email: a@a}\n  - {slug: a, name: B, username: b, email: b@b}"},
		{"free tier", "artists:\n  - slug: a\n    name: A\n    username: a\n    email: a@a\n    tiers: [{name: T, price_cents: 0}]"},
		{"bad interval", "artists:\n  - slug: a\n    name: A\n    username: a\n    email: a@a\n    tiers: [{name: T, price_cents: 100, interval: week}]"},
		{"track without duration", "artists:\n  - slug: a\n    name: A\n    username: a\n    email: a@a\n    tracks: [{title: S}]"},
		{"ad with unknown owner", "ads:\n  - {title: Ad, owner: ghost, target_url: https://x}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "blue-hour-standard", slugify("Blue Hour Standard"))
	assert.Equal(t, "interlude-in-f", slugify("  Interlude in F!"))
	assert.Equal(t, "salt-glass", slugify("Salt -- Glass"))
}

func TestApplySkipsExistingRows(t *testing.T) {
	gdb, mock := newMockDB(t)
	f := &Fixtures{
		Artists: []ArtistFixture{{
			Slug: "a", Name: "A", Username: "a", Email: "a@a",
			Tiers:  []TierFixture{{Name: "T", PriceCents: 100}},
			Tracks: []TrackFixture{{Title: "S", Duration: 60}},
		}},
		Ads: []AdFixture{{Title: "Ad", Owner: "a", TargetURL: "https://x"}},
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `users` WHERE username = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"id", "username"}).AddRow(7, "a"))
	mock.ExpectQuery("SELECT \\* FROM `artists` WHERE slug = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "slug"}).AddRow(3, 7, "a"))
	mock.ExpectQuery("SELECT count\\(\\*\\) FROM `subscription_tiers`").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT count\\(\\*\\) FROM `tracks`").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT count\\(\\*\\) FROM `ads`").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectCommit()

	report, err := Apply(context.Background(), gdb, f, Options{})
	require.NoError(t, err)
	assert.Equal(t, &Report{}, report)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyCreatesMissingRows(t *testing.T) {
	gdb, mock := newMockDB(t)
	f := &Fixtures{Artists: []ArtistFixture{{Slug: "a", Name: "A", Username: "a", Email: "a@a"}}}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `users` WHERE username = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO `users`").WillReturnResult(sqlmock.NewResult(11, 1))
	mock.ExpectQuery("SELECT \\* FROM `artists` WHERE slug = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO `artists`").WillReturnResult(sqlmock.NewResult(4, 1))
	mock.ExpectCommit()

	report, err := Apply(context.Background(), gdb, f, Options{Now: func() time.Time { return time.Unix(0, 0) }})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Users)
	assert.Equal(t, 1, report.Artists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyRollsBackOnError(t *testing.T) {
	gdb, mock := newMockDB(t)
	f := &Fixtures{Artists: []ArtistFixture{{Slug: "a", Name: "A", Username: "a", Email: "a@a"}}}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `users`").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := Apply(context.Background(), gdb, f, Options{})
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}
