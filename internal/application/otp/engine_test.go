package otp

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/loyalty-otp/internal/config"
	"github.com/loyalty-otp/internal/domain"
	"github.com/loyalty-otp/internal/infrastructure/memory"
	"github.com/loyalty-otp/internal/pkg/message"
)

// --- mocks ---

type mockMailer struct{ mock.Mock }

func (m *mockMailer) SendEmail(ctx context.Context, to, subject, htmlBody, textBody string) (string, error) {
	args := m.Called(ctx, to, subject, htmlBody, textBody)
	return args.String(0), args.Error(1)
}

type mockSMS struct{ mock.Mock }

func (m *mockSMS) SendSMS(ctx context.Context, to, msg string) (string, error) {
	args := m.Called(ctx, to, msg)
	return args.String(0), args.Error(1)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// --- helpers ---

const (
	testEmail = "ana@example.com"
	testPhone = "+15551234567"
)

func testOTPConfig() config.OTPConfig {
	return config.OTPConfig{
		Expiry:         10 * time.Minute,
		MaxAttempts:    3,
		CodeLength:     6,
		ResendCooldown: time.Minute,
		RateLimitWaits: defaultWaits(),
		RateLimitReset: time.Hour,
	}
}

type fixture struct {
	store     *memory.OTPRepo
	customers *memory.CustomerRepo
	mailer    *mockMailer
	sms       *mockSMS
	clock     *clock
	email     *Engine
	phone     *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	phone := testPhone
	f := &fixture{
		store:     memory.NewOTPRepo(),
		customers: memory.NewCustomerRepo(),
		mailer:    &mockMailer{},
		sms:       &mockSMS{},
		clock:     &clock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	require.NoError(t, f.customers.Put(context.Background(), &domain.Customer{
		CustomerID: "cust-1",
		Email:      testEmail,
		Phone:      &phone,
	}))
	renderer := message.NewRenderer(config.Templates{})
	f.email = NewEngine(EngineDeps{
		Config:  testOTPConfig(),
		Store:   f.store,
		Channel: NewEmailChannel(f.customers, f.mailer, renderer),
		Now:     f.clock.now,
	})
	f.phone = NewEngine(EngineDeps{
		Config:  testOTPConfig(),
		Store:   f.store,
		Channel: NewPhoneChannel(f.customers, f.sms, renderer),
		Now:     f.clock.now,
	})
	return f
}

func (f *fixture) expectEmail() {
	f.mailer.On("SendEmail", mock.Anything, testEmail, mock.Anything, mock.Anything, mock.Anything).Return("msg-1", nil)
}

func (f *fixture) latest(t *testing.T, ref domain.ContactRef, purpose domain.Purpose) *domain.OTPRecord {
	t.Helper()
	rec, err := f.store.FindLatest(context.Background(), ref, purpose)
	require.NoError(t, err)
	return rec
}

func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

func requireKind(t *testing.T, err error, kind domain.ErrorKind) *domain.Error {
	t.Helper()
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, kind, de.Kind)
	return de
}

// --- send ---

func TestEngine_SendVerificationCode_Success(t *testing.T) {
	f := newFixture(t)
	f.expectEmail()

	res, err := f.email.SendVerificationCode(context.Background(), "  Ana@Example.com ")

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, domain.SendSent, res.Status)
	assert.Equal(t, testEmail, res.Contact)
	assert.Equal(t, domain.DeliveryEmail, res.DeliveryMethod)
	assert.Equal(t, "Verification code sent to "+testEmail, res.Message)

	rec := f.latest(t, domain.EmailContact(testEmail), domain.PurposeVerification)
	assert.Regexp(t, `^[0-9]{6}$`, rec.Code)
	assert.Equal(t, f.clock.now().Add(10*time.Minute), rec.ExpiresAt)
	assert.Equal(t, 3, rec.MaxAttempts)
	assert.Zero(t, rec.AttemptsCount)
	f.mailer.AssertCalled(t, "SendEmail", mock.Anything, testEmail, message.DefaultEmailSubject,
		mock.MatchedBy(func(html string) bool { return strings.Contains(html, rec.Code) }),
		mock.MatchedBy(func(text string) bool { return strings.Contains(text, "10 minutes") }))
}

func TestEngine_SendVerificationCode_InvalidEmail(t *testing.T) {
	f := newFixture(t)

	_, err := f.email.SendVerificationCode(context.Background(), "not-an-email")

	requireKind(t, err, domain.KindValidation)
	assert.ErrorIs(t, err, domain.ErrBadRequest)
	f.mailer.AssertNumberOfCalls(t, "SendEmail", 0)
}

func TestEngine_SendVerificationCode_UnregisteredContact(t *testing.T) {
	f := newFixture(t)

	_, err := f.email.SendVerificationCode(context.Background(), "nobody@example.com")

	de := requireKind(t, err, domain.KindDelivery)
	assert.Equal(t, domain.ReasonInvalidContact, de.Reason)
	_, ferr := f.store.FindLatest(context.Background(), domain.EmailContact("nobody@example.com"), domain.PurposeVerification)
	assert.ErrorIs(t, ferr, domain.ErrNotFound)
}

func TestEngine_SendVerificationCode_Cooldown(t *testing.T) {
	f := newFixture(t)
	f.expectEmail()
	ctx := context.Background()

	_, err := f.email.SendVerificationCode(ctx, testEmail)
	require.NoError(t, err)
	first := f.latest(t, domain.EmailContact(testEmail), domain.PurposeVerification)

	f.clock.advance(30 * time.Second)
	res, err := f.email.SendVerificationCode(ctx, testEmail)

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, domain.SendCooldown, res.Status)
	assert.Equal(t, "Please wait 30 seconds before requesting a new code.", res.Message)
	require.NotNil(t, res.NextAllowedSendAt)
	assert.Equal(t, first.CreatedAt.Add(time.Minute), *res.NextAllowedSendAt)
	require.NotNil(t, res.CooldownMinutes)
	assert.Equal(t, 1, *res.CooldownMinutes)

	n, err := f.store.CountSince(ctx, domain.EmailContact(testEmail), domain.PurposeVerification, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.mailer.AssertNumberOfCalls(t, "SendEmail", 1)
}

func TestEngine_SendVerificationCode_AfterCooldown(t *testing.T) {
	f := newFixture(t)
	f.expectEmail()
	ctx := context.Background()

	_, err := f.email.SendVerificationCode(ctx, testEmail)
	require.NoError(t, err)
	f.clock.advance(time.Minute)

	res, err := f.email.SendVerificationCode(ctx, testEmail)
	require.NoError(t, err)
	assert.Equal(t, domain.SendSent, res.Status)
}

func TestEngine_SendVerificationCode_RateLimited(t *testing.T) {
	f := newFixture(t)
	f.expectEmail()
	ctx := context.Background()
	ref := domain.EmailContact(testEmail)
	now := f.clock.now()

	// five sends in the last hour, the most recent two minutes ago
	for i := 5; i >= 1; i-- {
		at := now.Add(-time.Duration(i*2) * time.Minute)
		require.NoError(t, f.store.Create(ctx, &domain.OTPRecord{
			ID:             "seed-" + string(rune('a'+i)),
			Contact:        ref,
			Code:           "123456",
			Purpose:        domain.PurposeVerification,
			DeliveryMethod: domain.DeliveryEmail,
			CreatedAt:      at,
			ExpiresAt:      at.Add(10 * time.Minute),
			MaxAttempts:    3,
		}))
	}

	res, err := f.email.SendVerificationCode(ctx, testEmail)

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, domain.SendRateLimited, res.Status)
	require.NotNil(t, res.CooldownMinutes)
	assert.Equal(t, 15, *res.CooldownMinutes)
	require.NotNil(t, res.NextAllowedSendAt)
	assert.Equal(t, now.Add(-2*time.Minute).Add(15*time.Minute), *res.NextAllowedSendAt)
	assert.Equal(t, "Too many code requests. Please try again in 13 minutes.", res.Message)
	f.mailer.AssertNumberOfCalls(t, "SendEmail", 0)
}

func TestEngine_SendVerificationCode_DeliveryFailure(t *testing.T) {
	f := newFixture(t)
	f.mailer.On("SendEmail", mock.Anything, testEmail, mock.Anything, mock.Anything, mock.Anything).
		Return("", &domain.DeliveryError{Reason: domain.ReasonThrottled, Err: errors.New("421 try later")})

	_, err := f.email.SendVerificationCode(context.Background(), testEmail)

	de := requireKind(t, err, domain.KindDelivery)
	assert.Equal(t, domain.ReasonThrottled, de.Reason)
	assert.ErrorIs(t, err, domain.ErrDeliveryFailed)
	// the record stays and still counts toward the cooldown
	rec := f.latest(t, domain.EmailContact(testEmail), domain.PurposeVerification)
	assert.NotEmpty(t, rec.ID)
}

func TestEngine_SendVerificationCode_UnclassifiedDeliveryFailure(t *testing.T) {
	f := newFixture(t)
	f.mailer.On("SendEmail", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("", errors.New("dial tcp: connection refused"))

	_, err := f.email.SendVerificationCode(context.Background(), testEmail)

	de := requireKind(t, err, domain.KindDelivery)
	assert.Equal(t, domain.ReasonUnavailable, de.Reason)
}

func TestEngine_SendPasswordResetCode_InvalidatesPrevious(t *testing.T) {
	f := newFixture(t)
	f.expectEmail()
	ctx := context.Background()
	ref := domain.EmailContact(testEmail)

	_, err := f.email.SendPasswordResetCode(ctx, testEmail)
	require.NoError(t, err)
	first := f.latest(t, ref, domain.PurposePasswordReset)

	// password reset has no resend cooldown
	f.clock.advance(time.Second)
	res, err := f.email.SendPasswordResetCode(ctx, testEmail)
	require.NoError(t, err)
	assert.Equal(t, domain.SendSent, res.Status)

	old, err := f.store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, old.IsUsed())

	active, err := f.store.FindActive(ctx, ref, domain.PurposePasswordReset, f.clock.now())
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

type duplicateResetStore struct{ *memory.OTPRepo }

func (s duplicateResetStore) Create(context.Context, *domain.OTPRecord) error {
	return domain.ErrActiveOTPExists
}

func TestEngine_SendPasswordResetCode_AlreadyRequested(t *testing.T) {
	f := newFixture(t)
	e := NewEngine(EngineDeps{
		Config:  testOTPConfig(),
		Store:   duplicateResetStore{f.store},
		Channel: NewEmailChannel(f.customers, f.mailer, message.NewRenderer(config.Templates{})),
		Now:     f.clock.now,
	})

	res, err := e.SendPasswordResetCode(context.Background(), testEmail)

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, domain.SendAlreadyRequested, res.Status)
	f.mailer.AssertNumberOfCalls(t, "SendEmail", 0)
}

// --- verify ---

func TestEngine_VerifyCode_WrongCode(t *testing.T) {
	f := newFixture(t)
	f.expectEmail()
	ctx := context.Background()

	_, err := f.email.SendVerificationCode(ctx, testEmail)
	require.NoError(t, err)
	rec := f.latest(t, domain.EmailContact(testEmail), domain.PurposeVerification)

	res, err := f.email.VerifyCode(ctx, testEmail, wrongCode(rec.Code))

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.False(t, res.Verified)
	assert.Equal(t, domain.VerifyInvalidCode, res.Status)
	require.NotNil(t, res.AttemptsRemaining)
	assert.Equal(t, 2, *res.AttemptsRemaining)
	assert.False(t, res.MaxAttemptsReached)
	assert.Equal(t, "Invalid verification code. 2 attempts remaining.", res.Message)

	stored, err := f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.AttemptsCount)
}

func TestEngine_VerifyCode_MaxAttempts(t *testing.T) {
	f := newFixture(t)
	f.expectEmail()
	ctx := context.Background()

	_, err := f.email.SendVerificationCode(ctx, testEmail)
	require.NoError(t, err)
	rec := f.latest(t, domain.EmailContact(testEmail), domain.PurposeVerification)
	bad := wrongCode(rec.Code)

	for i := 0; i < 2; i++ {
		_, err = f.email.VerifyCode(ctx, testEmail, bad)
		require.NoError(t, err)
	}
	res, err := f.email.VerifyCode(ctx, testEmail, bad)
	require.NoError(t, err)
	assert.Equal(t, domain.VerifyInvalidCode, res.Status)
	assert.Equal(t, 0, *res.AttemptsRemaining)
	assert.True(t, res.MaxAttemptsReached)

	// the right code no longer works once the limit is hit
	res, err = f.email.VerifyCode(ctx, testEmail, rec.Code)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, domain.VerifyMaxAttempts, res.Status)
	assert.Equal(t, msgMaxAttempts, res.Message)

	cust, err := f.customers.Get(ctx, "cust-1")
	require.NoError(t, err)
	assert.False(t, cust.EmailVerified)
}

func TestEngine_VerifyCode_Expired(t *testing.T) {
	f := newFixture(t)
	f.expectEmail()
	ctx := context.Background()

	_, err := f.email.SendVerificationCode(ctx, testEmail)
	require.NoError(t, err)
	rec := f.latest(t, domain.EmailContact(testEmail), domain.PurposeVerification)

	f.clock.advance(10 * time.Minute)
	res, err := f.email.VerifyCode(ctx, testEmail, rec.Code)

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, domain.VerifyExpired, res.Status)
	assert.Equal(t, msgExpired, res.Message)
}

func TestEngine_VerifyCode_SuccessThenAlreadyUsed(t *testing.T) {
	f := newFixture(t)
	f.expectEmail()
	ctx := context.Background()

	_, err := f.email.SendVerificationCode(ctx, testEmail)
	require.NoError(t, err)
	rec := f.latest(t, domain.EmailContact(testEmail), domain.PurposeVerification)

	res, err := f.email.VerifyCode(ctx, testEmail, rec.Code)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Verified)
	assert.True(t, res.ContactVerified)
	assert.Equal(t, domain.VerifyVerified, res.Status)

	cust, err := f.customers.Get(ctx, "cust-1")
	require.NoError(t, err)
	assert.True(t, cust.EmailVerified)
	assert.False(t, cust.PhoneVerified)

	res, err = f.email.VerifyCode(ctx, testEmail, rec.Code)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, domain.VerifyAlreadyUsed, res.Status)
}

func TestEngine_VerifyCode_NoRecord(t *testing.T) {
	f := newFixture(t)

	_, err := f.email.VerifyCode(context.Background(), testEmail, "123456")

	requireKind(t, err, domain.KindNotFound)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEngine_VerifyCode_MalformedInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.email.VerifyCode(ctx, "", "123456")
	requireKind(t, err, domain.KindValidation)

	_, err = f.email.VerifyCode(ctx, testEmail, "12ab56")
	requireKind(t, err, domain.KindValidation)

	_, err = f.email.VerifyCode(ctx, testEmail, "12345")
	requireKind(t, err, domain.KindValidation)
}

func TestEngine_VerifyCode_MalformedCodeNotCharged(t *testing.T) {
	f := newFixture(t)
	f.expectEmail()
	ctx := context.Background()

	_, err := f.email.SendVerificationCode(ctx, testEmail)
	require.NoError(t, err)
	rec := f.latest(t, domain.EmailContact(testEmail), domain.PurposeVerification)

	for _, code := range []string{"12ab56", "1234567", " "} {
		_, err = f.email.VerifyCode(ctx, testEmail, code)
		requireKind(t, err, domain.KindValidation)
	}

	stored, err := f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.AttemptsCount)
}

func TestEngine_VerifyPasswordResetCode_DoesNotFlipVerified(t *testing.T) {
	f := newFixture(t)
	f.expectEmail()
	ctx := context.Background()

	_, err := f.email.SendPasswordResetCode(ctx, testEmail)
	require.NoError(t, err)
	rec := f.latest(t, domain.EmailContact(testEmail), domain.PurposePasswordReset)

	// a reset code is not accepted as a verification code
	_, err = f.email.VerifyCode(ctx, testEmail, rec.Code)
	requireKind(t, err, domain.KindNotFound)

	res, err := f.email.VerifyPasswordResetCode(ctx, testEmail, rec.Code)
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.False(t, res.ContactVerified)

	cust, err := f.customers.Get(ctx, "cust-1")
	require.NoError(t, err)
	assert.False(t, cust.EmailVerified)
}

func TestEngine_Phone_TemplateGetsExpiry(t *testing.T) {
	f := newFixture(t)
	f.sms.On("SendSMS", mock.Anything, testPhone, mock.AnythingOfType("string")).Return("sns-1", nil)
	e := NewEngine(EngineDeps{
		Config:  testOTPConfig(),
		Store:   f.store,
		Channel: NewPhoneChannel(f.customers, f.sms, message.NewRenderer(config.Templates{SMS: "{otpCode} valid {expiryMinutes}m"})),
		Now:     f.clock.now,
	})

	_, err := e.SendVerificationCode(context.Background(), testPhone)
	require.NoError(t, err)

	rec := f.latest(t, domain.PhoneContact(testPhone), domain.PurposeVerification)
	f.sms.AssertCalled(t, "SendSMS", mock.Anything, testPhone, rec.Code+" valid 10m")
}

func TestEngine_Phone_SendAndVerify(t *testing.T) {
	f := newFixture(t)
	f.sms.On("SendSMS", mock.Anything, testPhone, mock.AnythingOfType("string")).Return("sns-1", nil)
	ctx := context.Background()

	res, err := f.phone.SendVerificationCode(ctx, " "+testPhone)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliverySMS, res.DeliveryMethod)

	rec := f.latest(t, domain.PhoneContact(testPhone), domain.PurposeVerification)
	f.sms.AssertCalled(t, "SendSMS", mock.Anything, testPhone, message.NewRenderer(config.Templates{}).RenderSMS(rec.Code, 10))

	vres, err := f.phone.VerifyCode(ctx, testPhone, rec.Code)
	require.NoError(t, err)
	assert.True(t, vres.Verified)

	cust, err := f.customers.Get(ctx, "cust-1")
	require.NoError(t, err)
	assert.True(t, cust.PhoneVerified)
}

func TestEngine_Phone_InvalidNumber(t *testing.T) {
	f := newFixture(t)

	_, err := f.phone.SendVerificationCode(context.Background(), "5551234")

	requireKind(t, err, domain.KindValidation)
	f.sms.AssertNumberOfCalls(t, "SendSMS", 0)
}

// --- concurrency ---

// flakyDirectory fails SetContactVerified until failures runs out.
type flakyDirectory struct {
	*memory.CustomerRepo
	failures int
}

func (d *flakyDirectory) SetContactVerified(ctx context.Context, customerID string, method domain.DeliveryMethod) error {
	if d.failures > 0 {
		d.failures--
		return errors.New("directory unavailable")
	}
	return d.CustomerRepo.SetContactVerified(ctx, customerID, method)
}

func TestEngine_VerifyCode_FlagWriteFailureKeepsCodeUsable(t *testing.T) {
	f := newFixture(t)
	f.expectEmail()
	ctx := context.Background()
	dir := &flakyDirectory{CustomerRepo: f.customers, failures: 1}
	e := NewEngine(EngineDeps{
		Config:  testOTPConfig(),
		Store:   f.store,
		Channel: NewEmailChannel(dir, f.mailer, message.NewRenderer(config.Templates{})),
		Now:     f.clock.now,
	})

	_, err := e.SendVerificationCode(ctx, testEmail)
	require.NoError(t, err)
	rec := f.latest(t, domain.EmailContact(testEmail), domain.PurposeVerification)

	_, err = e.VerifyCode(ctx, testEmail, rec.Code)
	requireKind(t, err, domain.KindSystem)
	stored, err := f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.UsedAt)

	res, err := e.VerifyCode(ctx, testEmail, rec.Code)
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.True(t, res.ContactVerified)

	cust, err := f.customers.Get(ctx, "cust-1")
	require.NoError(t, err)
	assert.True(t, cust.EmailVerified)
}

func TestEngine_VerifyCode_ConcurrentCorrectCode(t *testing.T) {
	f := newFixture(t)
	f.expectEmail()
	ctx := context.Background()

	_, err := f.email.SendVerificationCode(ctx, testEmail)
	require.NoError(t, err)
	rec := f.latest(t, domain.EmailContact(testEmail), domain.PurposeVerification)

	const n = 20
	var wg sync.WaitGroup
	results := make(chan *domain.VerifyResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.email.VerifyCode(ctx, testEmail, rec.Code)
			if err == nil {
				results <- res
			}
		}()
	}
	wg.Wait()
	close(results)

	verified := 0
	total := 0
	for res := range results {
		total++
		if res.Verified {
			verified++
		} else {
			assert.Equal(t, domain.VerifyAlreadyUsed, res.Status)
		}
	}
	assert.Equal(t, n, total)
	assert.Equal(t, 1, verified)
}

func TestEngine_VerifyCode_ConcurrentWrongCodes(t *testing.T) {
	f := newFixture(t)
	f.expectEmail()
	ctx := context.Background()

	_, err := f.email.SendVerificationCode(ctx, testEmail)
	require.NoError(t, err)
	rec := f.latest(t, domain.EmailContact(testEmail), domain.PurposeVerification)
	bad := wrongCode(rec.Code)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.email.VerifyCode(ctx, testEmail, bad)
		}()
	}
	wg.Wait()

	stored, err := f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.AttemptsCount)
}
