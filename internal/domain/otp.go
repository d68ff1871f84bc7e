package domain

import (
	"errors"
	"time"
)

// Purpose scopes every OTP lookup. A record issued for one purpose is never
// visible to queries for the other.
type Purpose string

const (
	PurposeVerification  Purpose = "VERIFICATION"
	PurposePasswordReset Purpose = "PASSWORD_RESET"
)

func (p Purpose) String() string { return string(p) }

// DeliveryMethod mirrors which contact field of a record is set.
type DeliveryMethod string

const (
	DeliveryEmail DeliveryMethod = "EMAIL"
	DeliverySMS   DeliveryMethod = "SMS"
)

func (m DeliveryMethod) String() string { return string(m) }

// OTPState is the derived lifecycle state of a record.
type OTPState string

const (
	OTPActive              OTPState = "ACTIVE"
	OTPUsed                OTPState = "USED"
	OTPExpired             OTPState = "EXPIRED"
	OTPMaxAttemptsExceeded OTPState = "MAX_ATTEMPTS_EXCEEDED"
)

// ContactRef identifies the destination of an OTP. Exactly one of Email and
// Phone is set.
type ContactRef struct {
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

func EmailContact(email string) ContactRef { return ContactRef{Email: email} }
func PhoneContact(phone string) ContactRef { return ContactRef{Phone: phone} }

// Validate reports whether exactly one contact field is set.
func (c ContactRef) Validate() error {
	switch {
	case c.Email != "" && c.Phone != "":
		return errors.New("contact ref has both email and phone")
	case c.Email == "" && c.Phone == "":
		return errors.New("contact ref is empty")
	}
	return nil
}

func (c ContactRef) Method() DeliveryMethod {
	if c.Email != "" {
		return DeliveryEmail
	}
	return DeliverySMS
}

func (c ContactRef) Value() string {
	if c.Email != "" {
		return c.Email
	}
	return c.Phone
}

// Key is the storage key shared by all records sent to this contact,
// e.g. "EMAIL#jane@example.com".
func (c ContactRef) Key() string {
	return c.Method().String() + "#" + c.Value()
}

// OTPRecord is one issued one-time passcode.
type OTPRecord struct {
	ID             string         `json:"id"`
	Contact        ContactRef     `json:"contact"`
	Code           string         `json:"-"`
	Purpose        Purpose        `json:"purpose"`
	DeliveryMethod DeliveryMethod `json:"delivery_method"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	UsedAt         *time.Time     `json:"used_at,omitempty"`
	AttemptsCount  int            `json:"attempts_count"`
	MaxAttempts    int            `json:"max_attempts"`
}

func (r *OTPRecord) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

func (r *OTPRecord) IsUsed() bool {
	return r.UsedAt != nil
}

func (r *OTPRecord) IsMaxAttemptsReached() bool {
	return r.AttemptsCount >= r.MaxAttempts
}

// IsActive reports whether the record can still be verified against.
func (r *OTPRecord) IsActive(now time.Time) bool {
	return !r.IsExpired(now) && !r.IsUsed() && !r.IsMaxAttemptsReached()
}

func (r *OTPRecord) AttemptsRemaining() int {
	if n := r.MaxAttempts - r.AttemptsCount; n > 0 {
		return n
	}
	return 0
}

// State classifies the record. Expiry wins over use, use over attempts.
func (r *OTPRecord) State(now time.Time) OTPState {
	switch {
	case r.IsExpired(now):
		return OTPExpired
	case r.IsUsed():
		return OTPUsed
	case r.IsMaxAttemptsReached():
		return OTPMaxAttemptsExceeded
	}
	return OTPActive
}
