package otp

import (
	"context"
	"time"

	"github.com/loyalty-otp/internal/domain"
)

// Store is the persistence contract for OTP records. Every lookup is scoped
// by contact and purpose.
//
// IncrementAttempts and MarkUsed must be conditional single-row updates that
// only apply while the record is unused and under its attempt limit.
// Create must refuse a second active PASSWORD_RESET record for the same
// contact with domain.ErrActiveOTPExists.
type Store interface {
	Create(ctx context.Context, rec *domain.OTPRecord) error
	// FindLatest returns the most recently created record, or domain.ErrNotFound.
	FindLatest(ctx context.Context, contact domain.ContactRef, purpose domain.Purpose) (*domain.OTPRecord, error)
	CountSince(ctx context.Context, contact domain.ContactRef, purpose domain.Purpose, since time.Time) (int, error)
	// FindActive returns unused, unexpired records under their attempt limit.
	FindActive(ctx context.Context, contact domain.ContactRef, purpose domain.Purpose, now time.Time) ([]domain.OTPRecord, error)
	// FindForVerification returns an active record carrying code, or domain.ErrNotFound.
	FindForVerification(ctx context.Context, contact domain.ContactRef, code string, purpose domain.Purpose, now time.Time) (*domain.OTPRecord, error)
	// IncrementAttempts returns the post-increment count, or domain.ErrConflict
	// when the record is used or already at its limit.
	IncrementAttempts(ctx context.Context, id string) (int, error)
	MarkUsed(ctx context.Context, id string, at time.Time) (int64, error)
	MarkUsedBulk(ctx context.Context, ids []string, at time.Time) (int64, error)
}

// CustomerDirectory resolves contacts to customers.
type CustomerDirectory interface {
	GetByEmail(ctx context.Context, email string) (*domain.Customer, error)
	GetByPhone(ctx context.Context, phone string) (*domain.Customer, error)
	SetContactVerified(ctx context.Context, customerID string, method domain.DeliveryMethod) error
}

// Mailer dispatches a rendered email and returns the provider message ID.
type Mailer interface {
	SendEmail(ctx context.Context, to, subject, htmlBody, textBody string) (string, error)
}

// SMSSender dispatches a rendered SMS and returns the provider message ID.
type SMSSender interface {
	SendSMS(ctx context.Context, to, message string) (string, error)
}

// Renderer formats OTP messages.
type Renderer interface {
	RenderSMS(code string, expiryMinutes int) string
	RenderEmailSubject(code string, expiryMinutes int) string
	RenderEmailHTML(code string, expiryMinutes int) string
	RenderEmailText(code string, expiryMinutes int) string
}
