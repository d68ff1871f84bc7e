package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/loyalty-otp/internal/config"
	"github.com/loyalty-otp/internal/domain"
)

// --- mock ---

type mockOTPSvc struct {
	mock.Mock
	method domain.DeliveryMethod
}

func (m *mockOTPSvc) Method() domain.DeliveryMethod { return m.method }

func (m *mockOTPSvc) SendVerificationCode(ctx context.Context, contact string) (*domain.SendResult, error) {
	args := m.Called(ctx, contact)
	res, _ := args.Get(0).(*domain.SendResult)
	return res, args.Error(1)
}

func (m *mockOTPSvc) SendPasswordResetCode(ctx context.Context, contact string) (*domain.SendResult, error) {
	args := m.Called(ctx, contact)
	res, _ := args.Get(0).(*domain.SendResult)
	return res, args.Error(1)
}

func (m *mockOTPSvc) VerifyCode(ctx context.Context, contact, code string) (*domain.VerifyResult, error) {
	args := m.Called(ctx, contact, code)
	res, _ := args.Get(0).(*domain.VerifyResult)
	return res, args.Error(1)
}

func (m *mockOTPSvc) VerifyPasswordResetCode(ctx context.Context, contact, code string) (*domain.VerifyResult, error) {
	args := m.Called(ctx, contact, code)
	res, _ := args.Get(0).(*domain.VerifyResult)
	return res, args.Error(1)
}

// --- helpers ---

type testServer struct {
	email   *mockOTPSvc
	phone   *mockOTPSvc
	handler http.Handler
}

func newTestServer() *testServer {
	s := &testServer{
		email: &mockOTPSvc{method: domain.DeliveryEmail},
		phone: &mockOTPSvc{method: domain.DeliverySMS},
	}
	s.handler = NewRouter(&config.Config{AllowedOrigins: []string{"*"}}, &Deps{EmailOTP: s.email, PhoneOTP: s.phone})
	return s
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

// --- tests ---

func TestRouter_HealthPing(t *testing.T) {
	s := newTestServer()
	rr := s.do(t, http.MethodGet, "/v1/health-check/ping", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "pong", decode(t, rr)["message"])

	rr = s.do(t, http.MethodGet, "/v1/health-check/other", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRouter_EmailSend_Success(t *testing.T) {
	s := newTestServer()
	s.email.On("SendVerificationCode", mock.Anything, "ana@example.com").Return(&domain.SendResult{
		Success: true, Status: domain.SendSent, Contact: "ana@example.com", DeliveryMethod: domain.DeliveryEmail,
	}, nil)

	rr := s.do(t, http.MethodPost, "/v1/email-verification/send", map[string]string{"email": "ana@example.com"})

	assert.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "sent", body["status"])
	s.email.AssertExpectations(t)
}

func TestRouter_EmailSend_CooldownIsOK(t *testing.T) {
	s := newTestServer()
	minutes := 1
	s.email.On("SendVerificationCode", mock.Anything, "ana@example.com").Return(&domain.SendResult{
		Status: domain.SendCooldown, CooldownMinutes: &minutes,
	}, nil)

	rr := s.do(t, http.MethodPost, "/v1/email-verification/send", map[string]string{"email": "ana@example.com"})

	assert.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "cooldown", body["status"])
	assert.EqualValues(t, 1, body["cooldown_minutes"])
}

func TestRouter_PhoneVerify_InvalidCode(t *testing.T) {
	s := newTestServer()
	remaining := 2
	s.phone.On("VerifyCode", mock.Anything, "+15551234567", "000000").Return(&domain.VerifyResult{
		Status: domain.VerifyInvalidCode, AttemptsRemaining: &remaining,
	}, nil)

	rr := s.do(t, http.MethodPost, "/v1/phone-verification/verify",
		map[string]string{"phone": "+15551234567", "code": "000000"})

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 2, decode(t, rr)["attempts_remaining"])
}

func TestRouter_PasswordReset_RoutesByChannel(t *testing.T) {
	s := newTestServer()
	s.phone.On("SendPasswordResetCode", mock.Anything, "+15551234567").
		Return(&domain.SendResult{Success: true, Status: domain.SendSent}, nil)
	s.email.On("VerifyPasswordResetCode", mock.Anything, "ana@example.com", "123456").
		Return(&domain.VerifyResult{Success: true, Verified: true, Status: domain.VerifyVerified}, nil)

	rr := s.do(t, http.MethodPost, "/v1/password-reset/sms/send", map[string]string{"phone": "+15551234567"})
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = s.do(t, http.MethodPost, "/v1/password-reset/email/verify",
		map[string]string{"email": "ana@example.com", "code": "123456"})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, decode(t, rr)["verified"])

	s.phone.AssertExpectations(t)
	s.email.AssertExpectations(t)
}

func TestRouter_PasswordReset_UnknownChannel(t *testing.T) {
	s := newTestServer()
	rr := s.do(t, http.MethodPost, "/v1/password-reset/fax/send", map[string]string{"email": "a@b.com"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRouter_UnknownAction(t *testing.T) {
	s := newTestServer()
	rr := s.do(t, http.MethodPost, "/v1/email-verification/resend", map[string]string{"email": "a@b.com"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRouter_InvalidBody(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/v1/email-verification/send", bytes.NewBufferString("{"))
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid request body", decode(t, rr)["error"])
}

func TestRouter_ErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		reason string
	}{
		{"validation", domain.ValidationError("otp.send", "field 'email' failed 'email'"), http.StatusBadRequest, ""},
		{"not found", domain.NotFoundError("otp.verify", "no verification code found for this contact"), http.StatusNotFound, ""},
		{"throttled", &domain.Error{Kind: domain.KindDelivery, Reason: domain.ReasonThrottled, Message: "could not deliver code"}, http.StatusTooManyRequests, "throttled"},
		{"opted out", &domain.Error{Kind: domain.KindDelivery, Reason: domain.ReasonOptedOut, Message: "could not deliver code"}, http.StatusUnprocessableEntity, "opted_out"},
		{"unavailable", &domain.Error{Kind: domain.KindDelivery, Reason: domain.ReasonUnavailable, Message: "could not deliver code"}, http.StatusBadGateway, "unavailable"},
		{"system", domain.SystemError("otp.send", assert.AnError), http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer()
			s.email.On("SendVerificationCode", mock.Anything, mock.Anything).Return(nil, tc.err)

			rr := s.do(t, http.MethodPost, "/v1/email-verification/send", map[string]string{"email": "ana@example.com"})

			assert.Equal(t, tc.status, rr.Code)
			body := decode(t, rr)
			assert.NotEmpty(t, body["error"])
			if tc.reason != "" {
				assert.Equal(t, tc.reason, body["reason"])
			}
			if tc.status == http.StatusInternalServerError {
				assert.NotContains(t, rr.Body.String(), assert.AnError.Error())
			}
		})
	}
}

func TestRouter_RequestValidation(t *testing.T) {
	cases := []struct {
		name string
		path string
		body map[string]string
	}{
		{"missing email", "/v1/email-verification/send", map[string]string{"phone": "+15551234567"}},
		{"missing phone", "/v1/phone-verification/verify", map[string]string{"email": "ana@example.com", "code": "123456"}},
		{"oversized code", "/v1/password-reset/email/verify", map[string]string{"email": "ana@example.com", "code": "12345678901234567890"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer()

			rr := s.do(t, http.MethodPost, tc.path, tc.body)

			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Contains(t, decode(t, rr)["error"], "failed")
			assert.Empty(t, s.email.Calls)
			assert.Empty(t, s.phone.Calls)
		})
	}
}
