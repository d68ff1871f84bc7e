package otp

import "time"

// Decision is the outcome of a cooldown or rate-limit check.
// Wait is the full wait that applies; NextAllowedAt is when the next send
// is permitted. Both are zero when Allowed.
type Decision struct {
	Allowed       bool
	Wait          time.Duration
	NextAllowedAt time.Time
}

// Remaining is how long the caller still has to wait at now.
func (d Decision) Remaining(now time.Time) time.Duration {
	if d.Allowed || !now.Before(d.NextAllowedAt) {
		return 0
	}
	return d.NextAllowedAt.Sub(now)
}

func allowed() Decision { return Decision{Allowed: true} }

// CheckCooldown blocks a resend while less than cooldown has passed since the
// previous OTP. A nil lastCreatedAt means nothing was sent yet.
func CheckCooldown(lastCreatedAt *time.Time, cooldown time.Duration, now time.Time) Decision {
	if lastCreatedAt == nil || cooldown <= 0 {
		return allowed()
	}
	if now.Sub(*lastCreatedAt) >= cooldown {
		return allowed()
	}
	return Decision{Wait: cooldown, NextAllowedAt: lastCreatedAt.Add(cooldown)}
}
