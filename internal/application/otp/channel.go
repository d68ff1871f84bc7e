package otp

import (
	"context"
	"strings"

	"github.com/loyalty-otp/internal/domain"
	"github.com/loyalty-otp/internal/pkg/validate"
)

// Channel is everything the engine needs to know about one delivery
// channel: how contacts look, how they are found and how codes reach them.
type Channel interface {
	Method() domain.DeliveryMethod
	Normalize(contact string) string
	Validate(contact string) error
	Ref(contact string) domain.ContactRef
	Lookup(ctx context.Context, contact string) (*domain.Customer, error)
	Deliver(ctx context.Context, contact, code string, expiryMinutes int) (string, error)
	MarkVerified(ctx context.Context, c *domain.Customer) error
}

type emailChannel struct {
	directory CustomerDirectory
	mailer    Mailer
	renderer  Renderer
}

// NewEmailChannel delivers codes by email and resolves customers by address.
func NewEmailChannel(directory CustomerDirectory, mailer Mailer, renderer Renderer) Channel {
	return &emailChannel{directory: directory, mailer: mailer, renderer: renderer}
}

func (c *emailChannel) Method() domain.DeliveryMethod { return domain.DeliveryEmail }

func (c *emailChannel) Normalize(contact string) string {
	return strings.ToLower(strings.TrimSpace(contact))
}

func (c *emailChannel) Validate(contact string) error { return validate.Email(contact) }

func (c *emailChannel) Ref(contact string) domain.ContactRef { return domain.EmailContact(contact) }

func (c *emailChannel) Lookup(ctx context.Context, contact string) (*domain.Customer, error) {
	return c.directory.GetByEmail(ctx, contact)
}

func (c *emailChannel) Deliver(ctx context.Context, contact, code string, expiryMinutes int) (string, error) {
	return c.mailer.SendEmail(ctx, contact,
		c.renderer.RenderEmailSubject(code, expiryMinutes),
		c.renderer.RenderEmailHTML(code, expiryMinutes),
		c.renderer.RenderEmailText(code, expiryMinutes),
	)
}

func (c *emailChannel) MarkVerified(ctx context.Context, cust *domain.Customer) error {
	return c.directory.SetContactVerified(ctx, cust.CustomerID, domain.DeliveryEmail)
}

type phoneChannel struct {
	directory CustomerDirectory
	sms       SMSSender
	renderer  Renderer
}

// NewPhoneChannel delivers codes by SMS and resolves customers by E.164 number.
func NewPhoneChannel(directory CustomerDirectory, sms SMSSender, renderer Renderer) Channel {
	return &phoneChannel{directory: directory, sms: sms, renderer: renderer}
}

func (c *phoneChannel) Method() domain.DeliveryMethod { return domain.DeliverySMS }

func (c *phoneChannel) Normalize(contact string) string {
	return strings.TrimSpace(contact)
}

func (c *phoneChannel) Validate(contact string) error { return validate.Phone(contact) }

func (c *phoneChannel) Ref(contact string) domain.ContactRef { return domain.PhoneContact(contact) }

func (c *phoneChannel) Lookup(ctx context.Context, contact string) (*domain.Customer, error) {
	return c.directory.GetByPhone(ctx, contact)
}

func (c *phoneChannel) Deliver(ctx context.Context, contact, code string, expiryMinutes int) (string, error) {
	return c.sms.SendSMS(ctx, contact, c.renderer.RenderSMS(code, expiryMinutes))
}

func (c *phoneChannel) MarkVerified(ctx context.Context, cust *domain.Customer) error {
	return c.directory.SetContactVerified(ctx, cust.CustomerID, domain.DeliverySMS)
}
