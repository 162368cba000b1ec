package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/spiderfoot/fabric/pkg/types"
)

// ErrNotFound is returned when a report id does not exist. Callers use it
// to tell a missing report from an empty listing.
var ErrNotFound = errors.New("store: report not found")

// Filter narrows List and Count. Zero-valued fields match everything.
type Filter struct {
	ScanID string
	Status string
	Type   string
	Limit  int
	Offset int
}

func (f Filter) matches(r *types.Report) bool {
	if f.ScanID != "" && r.ScanID != f.ScanID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	return true
}

// Store persists reports. Implementations are safe for concurrent callers.
// List returns reports newest-first by creation time.
type Store interface {
	Save(ctx context.Context, r *types.Report) error
	Get(ctx context.Context, id string) (*types.Report, error)
	Update(ctx context.Context, r *types.Report) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, f Filter) ([]*types.Report, error)
	Count(ctx context.Context, f Filter) (int, error)

	// CleanupOld deletes reports created more than maxAgeDays ago and
	// returns how many were removed. maxAgeDays <= 0 removes nothing.
	CleanupOld(ctx context.Context, maxAgeDays int) (int, error)

	Close() error
}

// stamp fills identity and timestamps before a save: a missing id is
// generated, created_at is set once when zero, updated_at always moves.
func stamp(r *types.Report) {
	now := time.Now().UTC()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
}

// sortAndPage orders newest-first and applies offset/limit, shared by the
// backends that filter in memory.
func sortAndPage(reports []*types.Report, f Filter) []*types.Report {
	sort.Slice(reports, func(i, j int) bool {
		return reports[i].CreatedAt.After(reports[j].CreatedAt)
	})
	if f.Offset > 0 {
		if f.Offset >= len(reports) {
			return nil
		}
		reports = reports[f.Offset:]
	}
	if f.Limit > 0 && len(reports) > f.Limit {
		reports = reports[:f.Limit]
	}
	return reports
}

// cutoff converts a max age in days to the oldest allowed creation time.
func cutoff(maxAgeDays int) time.Time {
	return time.Now().UTC().AddDate(0, 0, -maxAgeDays)
}
