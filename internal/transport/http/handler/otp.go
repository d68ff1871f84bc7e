package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/loyalty-otp/internal/application/otp"
	"github.com/loyalty-otp/internal/domain"
	"github.com/loyalty-otp/internal/pkg/validate"
)

// OTPHandler serves contact verification and password reset for both channels.
type OTPHandler struct {
	email otp.Service
	phone otp.Service
}

func NewOTPHandler(email, phone otp.Service) *OTPHandler {
	return &OTPHandler{email: email, phone: phone}
}

func (h *OTPHandler) EmailVerification(w http.ResponseWriter, r *http.Request) {
	h.verification(w, r, h.email)
}

func (h *OTPHandler) PhoneVerification(w http.ResponseWriter, r *http.Request) {
	h.verification(w, r, h.phone)
}

func (h *OTPHandler) PasswordReset(w http.ResponseWriter, r *http.Request) {
	var svc otp.Service
	switch chi.URLParam(r, "channel") {
	case "email":
		svc = h.email
	case "sms":
		svc = h.phone
	default:
		writeError(w, http.StatusBadRequest, "unknown channel")
		return
	}
	action := chi.URLParam(r, "action")
	if action != "send" && action != "verify" {
		writeError(w, http.StatusBadRequest, "unknown action")
		return
	}
	contact, code, ok := decodeContact(w, r, svc.Method())
	if !ok {
		return
	}
	if action == "send" {
		res, err := svc.SendPasswordResetCode(r.Context(), contact)
		respond(w, res, err)
		return
	}
	res, err := svc.VerifyPasswordResetCode(r.Context(), contact, code)
	respond(w, res, err)
}

func (h *OTPHandler) verification(w http.ResponseWriter, r *http.Request, svc otp.Service) {
	switch chi.URLParam(r, "action") {
	case "send":
		contact, _, ok := decodeContact(w, r, svc.Method())
		if !ok {
			return
		}
		res, err := svc.SendVerificationCode(r.Context(), contact)
		respond(w, res, err)
	case "verify":
		contact, code, ok := decodeContact(w, r, svc.Method())
		if !ok {
			return
		}
		res, err := svc.VerifyCode(r.Context(), contact, code)
		respond(w, res, err)
	default:
		writeError(w, http.StatusBadRequest, "unknown action")
	}
}

func decodeContact(w http.ResponseWriter, r *http.Request, method domain.DeliveryMethod) (contact, code string, ok bool) {
	if method == domain.DeliverySMS {
		var req phoneRequest
		if !decodeValid(w, r, &req) {
			return "", "", false
		}
		return req.Phone, req.Code, true
	}
	var req emailRequest
	if !decodeValid(w, r, &req) {
		return "", "", false
	}
	return req.Email, req.Code, true
}

func decodeValid(w http.ResponseWriter, r *http.Request, req interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// respond writes a structured result with 200, or maps err.
func respond[T any](w http.ResponseWriter, res *T, err error) {
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
