package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/loyalty-otp/internal/domain"
)

type CustomerRepo struct {
	mu        sync.RWMutex
	customers map[string]*domain.Customer
}

func NewCustomerRepo() *CustomerRepo {
	return &CustomerRepo{customers: make(map[string]*domain.Customer)}
}

func (r *CustomerRepo) Put(_ context.Context, c *domain.Customer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.customers[c.CustomerID] = &cp
	return nil
}

func (r *CustomerRepo) Get(_ context.Context, customerID string) (*domain.Customer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.customers[customerID]
	if !ok {
		return nil, fmt.Errorf("customer not found: %w", domain.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (r *CustomerRepo) GetByEmail(_ context.Context, email string) (*domain.Customer, error) {
	return r.find(func(c *domain.Customer) bool { return c.Email == email })
}

func (r *CustomerRepo) GetByPhone(_ context.Context, phone string) (*domain.Customer, error) {
	return r.find(func(c *domain.Customer) bool { return c.Phone != nil && *c.Phone == phone })
}

func (r *CustomerRepo) SetContactVerified(_ context.Context, customerID string, method domain.DeliveryMethod) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.customers[customerID]
	if !ok {
		return fmt.Errorf("customer not found: %w", domain.ErrNotFound)
	}
	switch method {
	case domain.DeliveryEmail:
		c.EmailVerified = true
	case domain.DeliverySMS:
		c.PhoneVerified = true
	default:
		return fmt.Errorf("unknown delivery method %q: %w", method, domain.ErrBadRequest)
	}
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *CustomerRepo) find(match func(*domain.Customer) bool) (*domain.Customer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.customers {
		if match(c) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("customer not found: %w", domain.ErrNotFound)
}

// Seed loads customers from comma-separated id:email[:phone] entries and
// returns how many were stored. Blank entries are skipped.
func (r *CustomerRepo) Seed(ctx context.Context, entries string) (int, error) {
	now := time.Now().UTC()
	n := 0
	for _, entry := range strings.Split(entries, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
			return n, fmt.Errorf("seed entry %q: %w", entry, domain.ErrBadRequest)
		}
		c := &domain.Customer{
			CustomerID: parts[0],
			Email:      strings.ToLower(parts[1]),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if len(parts) == 3 && parts[2] != "" {
			phone := parts[2]
			c.Phone = &phone
		}
		if err := r.Put(ctx, c); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
