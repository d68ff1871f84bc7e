package domain

import "time"

// Customer is a loyalty-club member as seen by the OTP flows.
type Customer struct {
	CustomerID    string    `json:"id" dynamodbav:"customer_id"`
	Email         string    `json:"email" dynamodbav:"email"`
	Phone         *string   `json:"phone" dynamodbav:"phone,omitempty"`
	EmailVerified bool      `json:"email_verified" dynamodbav:"email_verified"`
	PhoneVerified bool      `json:"phone_verified" dynamodbav:"phone_verified"`
	CreatedAt     time.Time `json:"created" dynamodbav:"created_at"`
	UpdatedAt     time.Time `json:"updated" dynamodbav:"updated_at"`
}
