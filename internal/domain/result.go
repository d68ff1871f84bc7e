package domain

import "time"

// SendStatus discriminates the outcomes of a send request.
type SendStatus string

const (
	SendSent             SendStatus = "sent"
	SendCooldown         SendStatus = "cooldown"
	SendRateLimited      SendStatus = "rate_limited"
	SendAlreadyRequested SendStatus = "already_requested"
)

// SendResult is returned for every send attempt that did not fail with an error.
// Cooldown and rate limiting are reported here, not as errors, so clients can
// show a countdown.
type SendResult struct {
	Success           bool           `json:"success"`
	Status            SendStatus     `json:"status"`
	Message           string         `json:"message"`
	Contact           string         `json:"contact"`
	DeliveryMethod    DeliveryMethod `json:"delivery_method"`
	NextAllowedSendAt *time.Time     `json:"next_allowed_send_at,omitempty"`
	CooldownMinutes   *int           `json:"cooldown_minutes,omitempty"`
}

// VerifyStatus discriminates the outcomes of a verify request.
type VerifyStatus string

const (
	VerifyVerified    VerifyStatus = "verified"
	VerifyInvalidCode VerifyStatus = "invalid_code"
	VerifyExpired     VerifyStatus = "expired"
	VerifyAlreadyUsed VerifyStatus = "already_used"
	VerifyMaxAttempts VerifyStatus = "max_attempts"
)

type VerifyResult struct {
	Success            bool           `json:"success"`
	Verified           bool           `json:"verified"`
	Status             VerifyStatus   `json:"status"`
	Message            string         `json:"message"`
	Contact            string         `json:"contact"`
	DeliveryMethod     DeliveryMethod `json:"delivery_method"`
	AttemptsRemaining  *int           `json:"attempts_remaining,omitempty"`
	MaxAttemptsReached bool           `json:"max_attempts_reached"`
	ContactVerified    bool           `json:"contact_verified"`
}
