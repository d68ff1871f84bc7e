// Package memory provides process-local stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loyalty-otp/internal/domain"
)

// OTPRepo keeps OTP records in a map guarded by a single mutex, which also
// serializes the conditional updates.
type OTPRepo struct {
	mu      sync.Mutex
	records map[string]*domain.OTPRecord
}

func NewOTPRepo() *OTPRepo {
	return &OTPRepo{records: make(map[string]*domain.OTPRecord)}
}

func (r *OTPRepo) Create(_ context.Context, rec *domain.OTPRecord) error {
	if err := rec.Contact.Validate(); err != nil {
		return fmt.Errorf("create otp: %w", domain.ErrBadRequest)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.ID]; ok {
		return fmt.Errorf("otp %s: %w", rec.ID, domain.ErrConflict)
	}
	if rec.Purpose == domain.PurposePasswordReset {
		for _, o := range r.records {
			if o.Purpose == rec.Purpose && o.Contact == rec.Contact && o.IsActive(rec.CreatedAt) {
				return domain.ErrActiveOTPExists
			}
		}
	}
	cp := *rec
	r.records[rec.ID] = &cp
	return nil
}

func (r *OTPRepo) FindLatest(_ context.Context, contact domain.ContactRef, purpose domain.Purpose) (*domain.OTPRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	matches := r.filter(contact, purpose, nil)
	if len(matches) == 0 {
		return nil, fmt.Errorf("otp: %w", domain.ErrNotFound)
	}
	return &matches[0], nil
}

func (r *OTPRepo) CountSince(_ context.Context, contact domain.ContactRef, purpose domain.Purpose, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.filter(contact, purpose, func(o *domain.OTPRecord) bool {
		return !o.CreatedAt.Before(since)
	})), nil
}

func (r *OTPRepo) FindActive(_ context.Context, contact domain.ContactRef, purpose domain.Purpose, now time.Time) ([]domain.OTPRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filter(contact, purpose, func(o *domain.OTPRecord) bool {
		return o.IsActive(now)
	}), nil
}

func (r *OTPRepo) FindForVerification(_ context.Context, contact domain.ContactRef, code string, purpose domain.Purpose, now time.Time) (*domain.OTPRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	matches := r.filter(contact, purpose, func(o *domain.OTPRecord) bool {
		return o.Code == code && o.IsActive(now)
	})
	if len(matches) == 0 {
		return nil, fmt.Errorf("otp: %w", domain.ErrNotFound)
	}
	return &matches[0], nil
}

func (r *OTPRepo) IncrementAttempts(_ context.Context, id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.records[id]
	if !ok {
		return 0, fmt.Errorf("otp %s: %w", id, domain.ErrNotFound)
	}
	if o.IsUsed() || o.IsMaxAttemptsReached() {
		return o.AttemptsCount, fmt.Errorf("otp %s not eligible: %w", id, domain.ErrConflict)
	}
	o.AttemptsCount++
	return o.AttemptsCount, nil
}

func (r *OTPRepo) MarkUsed(_ context.Context, id string, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.markUsed(id, at), nil
}

func (r *OTPRepo) MarkUsedBulk(_ context.Context, ids []string, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, id := range ids {
		n += r.markUsed(id, at)
	}
	return n, nil
}

// Get returns a copy of the record; intended for tests and diagnostics.
func (r *OTPRepo) Get(_ context.Context, id string) (*domain.OTPRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("otp %s: %w", id, domain.ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (r *OTPRepo) markUsed(id string, at time.Time) int64 {
	o, ok := r.records[id]
	if !ok || o.IsUsed() || o.IsMaxAttemptsReached() {
		return 0
	}
	t := at
	o.UsedAt = &t
	return 1
}

// filter returns copies of matching records, newest first.
func (r *OTPRepo) filter(contact domain.ContactRef, purpose domain.Purpose, keep func(*domain.OTPRecord) bool) []domain.OTPRecord {
	var out []domain.OTPRecord
	for _, o := range r.records {
		if o.Contact != contact || o.Purpose != purpose {
			continue
		}
		if keep != nil && !keep(o) {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}
