package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/loyalty-otp/internal/domain"
)

const customerColumns = `customer_id, email, phone, email_verified, phone_verified, created_at, updated_at`

type CustomerRepo struct {
	db DB
}

func NewCustomerRepo(db DB) *CustomerRepo {
	return &CustomerRepo{db: db}
}

func (r *CustomerRepo) GetByEmail(ctx context.Context, email string) (*domain.Customer, error) {
	return r.getBy(ctx, "email", email)
}

func (r *CustomerRepo) GetByPhone(ctx context.Context, phone string) (*domain.Customer, error) {
	return r.getBy(ctx, "phone", phone)
}

func (r *CustomerRepo) SetContactVerified(ctx context.Context, customerID string, method domain.DeliveryMethod) error {
	var column string
	switch method {
	case domain.DeliveryEmail:
		column = "email_verified"
	case domain.DeliverySMS:
		column = "phone_verified"
	default:
		return fmt.Errorf("unknown delivery method %q: %w", method, domain.ErrBadRequest)
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE customers SET `+column+` = TRUE, updated_at = now() WHERE customer_id = $1`,
		customerID,
	)
	if err != nil {
		return fmt.Errorf("set contact verified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("customer not found: %w", domain.ErrNotFound)
	}
	return nil
}

// getBy looks a customer up by a fixed column name; column is never user input.
func (r *CustomerRepo) getBy(ctx context.Context, column, value string) (*domain.Customer, error) {
	var c domain.Customer
	err := r.db.QueryRow(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE `+column+` = $1`, value,
	).Scan(&c.CustomerID, &c.Email, &c.Phone, &c.EmailVerified, &c.PhoneVerified, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("customer not found: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get customer: %w", err)
	}
	return &c, nil
}
