// Package message renders OTP notification bodies from templates containing
// {otpCode} and {expiryMinutes} placeholders.
package message

import (
	"strconv"
	"strings"

	"github.com/loyalty-otp/internal/config"
)

// Fallback templates used when a template is not configured.
const (
	DefaultSMS          = "Your verification code is {otpCode}. Do not share this code with anyone."
	DefaultEmailSubject = "Your verification code"
	DefaultEmailText    = "Your verification code is {otpCode}.\n\nThis code expires in {expiryMinutes} minutes. If you did not request it, you can ignore this email."
	DefaultEmailHTML    = `<html><body style="font-family:sans-serif">` +
		`<p>Your verification code is:</p>` +
		`<p style="font-size:24px;font-weight:bold;letter-spacing:4px">{otpCode}</p>` +
		`<p>This code expires in {expiryMinutes} minutes. If you did not request it, you can ignore this email.</p>` +
		`</body></html>`
)

type Renderer struct {
	sms          string
	emailSubject string
	emailHTML    string
	emailText    string
}

func NewRenderer(t config.Templates) *Renderer {
	return &Renderer{
		sms:          orDefault(t.SMS, DefaultSMS),
		emailSubject: orDefault(t.EmailSubject, DefaultEmailSubject),
		emailHTML:    orDefault(t.EmailHTML, DefaultEmailHTML),
		emailText:    orDefault(t.EmailText, DefaultEmailText),
	}
}

func (r *Renderer) RenderSMS(code string, expiryMinutes int) string {
	return render(r.sms, code, expiryMinutes)
}

func (r *Renderer) RenderEmailSubject(code string, expiryMinutes int) string {
	return render(r.emailSubject, code, expiryMinutes)
}

func (r *Renderer) RenderEmailHTML(code string, expiryMinutes int) string {
	return render(r.emailHTML, code, expiryMinutes)
}

func (r *Renderer) RenderEmailText(code string, expiryMinutes int) string {
	return render(r.emailText, code, expiryMinutes)
}

func render(tmpl, code string, expiryMinutes int) string {
	return strings.NewReplacer(
		"{otpCode}", code,
		"{expiryMinutes}", strconv.Itoa(expiryMinutes),
	).Replace(tmpl)
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
