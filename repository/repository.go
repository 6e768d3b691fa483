package repository

import (
	"errors"
	"fmt"
	"strings"

	"Encore/db"

	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned by mutations whose target row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate wraps unique constraint violations.
	ErrDuplicate = errors.New("record already exists")
	// ErrConflict is returned when a state transition is not allowed.
	ErrConflict = errors.New("conflicting state")
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ListOptions drives the filtered, sorted listings of the dashboards.
// Zero values mean "no filter".
type ListOptions struct {
	Query     string
	Genre     string
	Status    string
	Placement string
	Role      string
	ArtistID  int64
	UserID    int64
	Sort      string
	Order     string // asc | desc
	Limit     int
	Offset    int
}

// Page returns the clamped limit and offset.
func (o ListOptions) Page() (limit, offset int) {
	limit = o.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset = o.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// OrderBy maps the requested sort key through allowed (API key -> column).
// Unknown keys fall back to def; direction defaults to desc.
func (o ListOptions) OrderBy(allowed map[string]string, def string) string {
	col, ok := allowed[o.Sort]
	if !ok {
		col = allowed[def]
	}
	dir := "DESC"
	if strings.EqualFold(o.Order, "asc") {
		dir = "ASC"
	}
	return col + " " + dir
}

func likePattern(q string) string {
	q = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(strings.TrimSpace(q))
	return "%" + q + "%"
}

// wrapCreate translates driver errors from an insert.
func wrapCreate(what string, err error) error {
	if err == nil {
		return nil
	}
	if db.IsDuplicateKey(err) {
		return fmt.Errorf("%s: %w", what, ErrDuplicate)
	}
	return fmt.Errorf("failed to create %s: %w", what, err)
}

// firstOrNil implements the "(nil, nil) when missing" lookup convention.
func firstOrNil[T any](q *gorm.DB) (*T, error) {
	var out T
	if err := q.First(&out).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

// affected converts a zero-row update into ErrNotFound.
func affected(res *gorm.DB) error {
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// transition moves row id from one of the from statuses to to, applying
// fields in the same UPDATE. It reports false when the row was not in an
// allowed state, which makes replayed state changes no-ops. A unique key
// collision in fields returns ErrDuplicate.
func transition(q *gorm.DB, value interface{}, id int64, from []string, to string, fields map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{"status": to}
	for k, v := range fields {
		updates[k] = v
	}
	res := q.Model(value).Where("id = ? AND status IN ?", id, from).Updates(updates)
	if res.Error != nil {
		// 目标状态的唯一键已被另一行占用
		if db.IsDuplicateKey(res.Error) {
			return false, fmt.Errorf("transition %d to %s: %w", id, to, ErrDuplicate)
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
