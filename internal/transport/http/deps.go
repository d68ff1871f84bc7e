package http

import "github.com/loyalty-otp/internal/application/otp"

// Deps holds the services the router exposes.
type Deps struct {
	EmailOTP otp.Service
	PhoneOTP otp.Service
}
