package otp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loyalty-otp/internal/config"
	"github.com/loyalty-otp/internal/domain"
	"github.com/loyalty-otp/internal/pkg/id"
	"github.com/loyalty-otp/internal/pkg/token"
	"github.com/loyalty-otp/internal/pkg/validate"
)

const (
	msgExpired     = "Verification code has expired. Please request a new code."
	msgAlreadyUsed = "Verification code has already been used."
	msgMaxAttempts = "Maximum verification attempts reached. Please request a new code."
	msgVerified    = "Verification successful."
)

// Service is the OTP lifecycle for one channel.
type Service interface {
	Method() domain.DeliveryMethod
	SendVerificationCode(ctx context.Context, contact string) (*domain.SendResult, error)
	SendPasswordResetCode(ctx context.Context, contact string) (*domain.SendResult, error)
	VerifyCode(ctx context.Context, contact, code string) (*domain.VerifyResult, error)
	VerifyPasswordResetCode(ctx context.Context, contact, code string) (*domain.VerifyResult, error)
}

// EngineDeps groups the engine collaborators. Now defaults to time.Now.
type EngineDeps struct {
	Config  config.OTPConfig
	Store   Store
	Channel Channel
	Now     func() time.Time
}

// Engine issues and verifies OTPs. It keeps no mutable state of its own;
// every decision is derived from the store.
type Engine struct {
	cfg     config.OTPConfig
	store   Store
	channel Channel
	limiter *RateLimiter
	now     func() time.Time
}

func NewEngine(d EngineDeps) *Engine {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	cfg := d.Config
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = config.OTPLength
	}
	return &Engine{
		cfg:     cfg,
		store:   d.Store,
		channel: d.Channel,
		limiter: NewRateLimiter(cfg.RateLimitWaits, cfg.RateLimitReset),
		now:     now,
	}
}

func (e *Engine) Method() domain.DeliveryMethod { return e.channel.Method() }

func (e *Engine) SendVerificationCode(ctx context.Context, contact string) (*domain.SendResult, error) {
	return e.send(ctx, contact, domain.PurposeVerification)
}

func (e *Engine) SendPasswordResetCode(ctx context.Context, contact string) (*domain.SendResult, error) {
	return e.send(ctx, contact, domain.PurposePasswordReset)
}

func (e *Engine) VerifyCode(ctx context.Context, contact, code string) (*domain.VerifyResult, error) {
	return e.verify(ctx, contact, code, domain.PurposeVerification)
}

func (e *Engine) VerifyPasswordResetCode(ctx context.Context, contact, code string) (*domain.VerifyResult, error) {
	return e.verify(ctx, contact, code, domain.PurposePasswordReset)
}

func (e *Engine) send(ctx context.Context, raw string, purpose domain.Purpose) (*domain.SendResult, error) {
	const op = "otp.send"
	contact := e.channel.Normalize(raw)
	if err := e.channel.Validate(contact); err != nil {
		return nil, domain.ValidationError(op, err.Error())
	}
	ref := e.channel.Ref(contact)

	if _, err := e.channel.Lookup(ctx, contact); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Same shape as an undeliverable address so callers cannot enumerate accounts.
			return nil, &domain.Error{Kind: domain.KindDelivery, Reason: domain.ReasonInvalidContact, Op: op, Message: "contact not registered"}
		}
		return nil, domain.SystemError(op, err)
	}

	now := e.now()
	latest, err := e.findLatest(ctx, ref, purpose)
	if err != nil {
		return nil, domain.SystemError(op, err)
	}
	var lastAt *time.Time
	if latest != nil {
		lastAt = &latest.CreatedAt
	}

	if purpose == domain.PurposeVerification {
		if d := CheckCooldown(lastAt, e.cfg.ResendCooldown, now); !d.Allowed {
			secs := int((d.Remaining(now) + time.Second - 1) / time.Second)
			return e.blocked(contact, domain.SendCooldown, d,
				fmt.Sprintf("Please wait %d seconds before requesting a new code.", secs)), nil
		}
	}

	sent, err := e.store.CountSince(ctx, ref, purpose, e.limiter.WindowStart(now))
	if err != nil {
		return nil, domain.SystemError(op, err)
	}
	if d := e.limiter.Check(sent, lastAt, now); !d.Allowed {
		return e.blocked(contact, domain.SendRateLimited, d,
			fmt.Sprintf("Too many code requests. Please try again in %d minutes.", ceilMinutes(d.Remaining(now)))), nil
	}

	if purpose == domain.PurposePasswordReset {
		if err := e.invalidateActive(ctx, ref, purpose, now); err != nil {
			return nil, domain.SystemError(op, err)
		}
	}

	code, err := token.NumericCode(e.cfg.CodeLength)
	if err != nil {
		return nil, domain.SystemError(op, err)
	}
	rec := &domain.OTPRecord{
		ID:             id.NewAt(now),
		Contact:        ref,
		Code:           code,
		Purpose:        purpose,
		DeliveryMethod: e.channel.Method(),
		CreatedAt:      now,
		ExpiresAt:      now.Add(e.cfg.Expiry),
		MaxAttempts:    e.cfg.MaxAttempts,
	}
	if err := e.store.Create(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrActiveOTPExists) {
			slog.Info("concurrent password reset request", "method", rec.DeliveryMethod)
			return &domain.SendResult{
				Success:        true,
				Status:         domain.SendAlreadyRequested,
				Message:        "A password reset code was already sent. Please check your messages.",
				Contact:        contact,
				DeliveryMethod: rec.DeliveryMethod,
			}, nil
		}
		return nil, domain.SystemError(op, err)
	}

	msgID, err := e.channel.Deliver(ctx, contact, code, e.cfg.ExpiryMinutes())
	if err != nil {
		slog.Warn("otp delivery failed", "otp_id", rec.ID, "purpose", purpose, "method", rec.DeliveryMethod, "err", err)
		return nil, domain.DeliveryFailure(op, err)
	}
	slog.Info("otp sent", "otp_id", rec.ID, "purpose", purpose, "method", rec.DeliveryMethod, "message_id", msgID)

	return &domain.SendResult{
		Success:        true,
		Status:         domain.SendSent,
		Message:        "Verification code sent to " + contact,
		Contact:        contact,
		DeliveryMethod: rec.DeliveryMethod,
	}, nil
}

func (e *Engine) invalidateActive(ctx context.Context, ref domain.ContactRef, purpose domain.Purpose, now time.Time) error {
	active, err := e.store.FindActive(ctx, ref, purpose, now)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		return nil
	}
	ids := make([]string, len(active))
	for i := range active {
		ids[i] = active[i].ID
	}
	n, err := e.store.MarkUsedBulk(ctx, ids, now)
	if err != nil {
		return err
	}
	slog.Info("invalidated active otps", "purpose", purpose, "count", n)
	return nil
}

func (e *Engine) blocked(contact string, status domain.SendStatus, d Decision, msg string) *domain.SendResult {
	next := d.NextAllowedAt
	minutes := ceilMinutes(d.Wait)
	return &domain.SendResult{
		Status:            status,
		Message:           msg,
		Contact:           contact,
		DeliveryMethod:    e.channel.Method(),
		NextAllowedSendAt: &next,
		CooldownMinutes:   &minutes,
	}
}

func (e *Engine) verify(ctx context.Context, raw, code string, purpose domain.Purpose) (*domain.VerifyResult, error) {
	const op = "otp.verify"
	contact := e.channel.Normalize(raw)
	code = strings.TrimSpace(code)
	if contact == "" {
		return nil, domain.ValidationError(op, "contact is required")
	}
	if err := e.channel.Validate(contact); err != nil {
		return nil, domain.ValidationError(op, err.Error())
	}
	if err := validate.Code(code, e.cfg.CodeLength); err != nil {
		return nil, domain.ValidationError(op, err.Error())
	}
	ref := e.channel.Ref(contact)
	now := e.now()

	latest, err := e.findLatest(ctx, ref, purpose)
	if err != nil {
		return nil, domain.SystemError(op, err)
	}
	if latest == nil {
		return nil, domain.NotFoundError(op, "no verification code found for this contact")
	}
	if res := e.classify(latest, contact, now); res != nil {
		return res, nil
	}

	match, err := e.store.FindForVerification(ctx, ref, code, purpose, now)
	if errors.Is(err, domain.ErrNotFound) {
		return e.rejectCode(ctx, op, latest, ref, contact)
	}
	if err != nil {
		return nil, domain.SystemError(op, err)
	}

	// The contact is flagged before the code is consumed so a failed flag
	// write leaves the code usable for a retry.
	contactVerified := false
	if purpose == domain.PurposeVerification {
		cust, err := e.channel.Lookup(ctx, contact)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NotFoundError(op, "contact not registered")
		}
		if err != nil {
			return nil, domain.SystemError(op, err)
		}
		if err := e.channel.MarkVerified(ctx, cust); err != nil {
			return nil, domain.SystemError(op, err)
		}
		contactVerified = true
	}

	n, err := e.store.MarkUsed(ctx, match.ID, now)
	if err != nil {
		return nil, domain.SystemError(op, err)
	}
	if n == 0 {
		return e.reclassify(ctx, op, ref, purpose, contact, domain.VerifyAlreadyUsed)
	}

	res := &domain.VerifyResult{
		Success:         true,
		Verified:        true,
		Status:          domain.VerifyVerified,
		Message:         msgVerified,
		Contact:         contact,
		DeliveryMethod:  e.channel.Method(),
		ContactVerified: contactVerified,
	}
	slog.Info("otp verified", "otp_id", match.ID, "purpose", purpose, "method", res.DeliveryMethod)
	return res, nil
}

func (e *Engine) rejectCode(ctx context.Context, op string, rec *domain.OTPRecord, ref domain.ContactRef, contact string) (*domain.VerifyResult, error) {
	count, err := e.store.IncrementAttempts(ctx, rec.ID)
	if errors.Is(err, domain.ErrConflict) {
		return e.reclassify(ctx, op, ref, rec.Purpose, contact, domain.VerifyMaxAttempts)
	}
	if err != nil {
		return nil, domain.SystemError(op, err)
	}
	remaining := rec.MaxAttempts - count
	if remaining < 0 {
		remaining = 0
	}
	reached := count >= rec.MaxAttempts
	msg := fmt.Sprintf("Invalid verification code. %d attempts remaining.", remaining)
	if reached {
		msg = "Invalid verification code. " + msgMaxAttempts
	}
	slog.Info("otp code mismatch", "otp_id", rec.ID, "purpose", rec.Purpose, "attempts", count)
	return &domain.VerifyResult{
		Status:             domain.VerifyInvalidCode,
		Message:            msg,
		Contact:            contact,
		DeliveryMethod:     e.channel.Method(),
		AttemptsRemaining:  &remaining,
		MaxAttemptsReached: reached,
	}, nil
}

// reclassify re-reads the latest record after a conditional update was
// refused by the store. fallback is used when the record still looks active.
func (e *Engine) reclassify(ctx context.Context, op string, ref domain.ContactRef, purpose domain.Purpose, contact string, fallback domain.VerifyStatus) (*domain.VerifyResult, error) {
	latest, err := e.findLatest(ctx, ref, purpose)
	if err != nil {
		return nil, domain.SystemError(op, err)
	}
	if latest == nil {
		return nil, domain.NotFoundError(op, "no verification code found for this contact")
	}
	if res := e.classify(latest, contact, e.now()); res != nil {
		return res, nil
	}
	if fallback == domain.VerifyAlreadyUsed {
		return e.terminal(contact, domain.VerifyAlreadyUsed, msgAlreadyUsed, latest), nil
	}
	return e.terminal(contact, domain.VerifyMaxAttempts, msgMaxAttempts, latest), nil
}

// classify returns the terminal result for a record that can no longer be
// verified, or nil when it is still active.
func (e *Engine) classify(rec *domain.OTPRecord, contact string, now time.Time) *domain.VerifyResult {
	switch rec.State(now) {
	case domain.OTPExpired:
		return e.terminal(contact, domain.VerifyExpired, msgExpired, rec)
	case domain.OTPUsed:
		return e.terminal(contact, domain.VerifyAlreadyUsed, msgAlreadyUsed, rec)
	case domain.OTPMaxAttemptsExceeded:
		return e.terminal(contact, domain.VerifyMaxAttempts, msgMaxAttempts, rec)
	}
	return nil
}

func (e *Engine) terminal(contact string, status domain.VerifyStatus, msg string, rec *domain.OTPRecord) *domain.VerifyResult {
	res := &domain.VerifyResult{
		Status:         status,
		Message:        msg,
		Contact:        contact,
		DeliveryMethod: e.channel.Method(),
	}
	if status == domain.VerifyMaxAttempts {
		zero := 0
		res.AttemptsRemaining = &zero
		res.MaxAttemptsReached = true
	} else {
		res.MaxAttemptsReached = rec.IsMaxAttemptsReached()
	}
	return res
}

func (e *Engine) findLatest(ctx context.Context, ref domain.ContactRef, purpose domain.Purpose) (*domain.OTPRecord, error) {
	rec, err := e.store.FindLatest(ctx, ref, purpose)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

func ceilMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Minute - 1) / time.Minute)
}
