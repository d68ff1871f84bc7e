package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/loyalty-otp/internal/domain"
)

// httpError maps an engine error onto a status code and error envelope.
// System failures are logged and reported without detail.
func httpError(w http.ResponseWriter, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		switch {
		case errors.Is(err, domain.ErrBadRequest):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "not found")
		default:
			slog.Error("unhandled error", "err", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	switch de.Kind {
	case domain.KindValidation:
		writeError(w, http.StatusBadRequest, de.Message)
	case domain.KindNotFound:
		writeError(w, http.StatusNotFound, de.Message)
	case domain.KindDelivery:
		writeJSON(w, deliveryStatus(de.Reason), ErrorEnvelope{Error: de.Message, Reason: string(de.Reason)})
	default:
		slog.Error("otp operation failed", "op", de.Op, "err", de.Err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func deliveryStatus(reason domain.DeliveryReason) int {
	switch reason {
	case domain.ReasonThrottled, domain.ReasonQuotaExceeded:
		return http.StatusTooManyRequests
	case domain.ReasonInvalidContact, domain.ReasonOptedOut:
		return http.StatusUnprocessableEntity
	}
	return http.StatusBadGateway
}
