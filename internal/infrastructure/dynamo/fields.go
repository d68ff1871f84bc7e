package dynamo

// DynamoDB attribute names used in key conditions and update expressions.
const (
	fieldID             = "id"
	fieldContactPurpose = "contact_purpose"
	fieldCreatedAt      = "created_at"
	fieldExpiresAt      = "expires_at"
	fieldExpiresAtTTL   = "expires_at_ttl"
	fieldUsedAt         = "used_at"
	fieldAttemptsCount  = "attempts_count"
	fieldMaxAttempts    = "max_attempts"
	fieldCode           = "otp_code"
	fieldOTPID          = "otp_id"
	fieldReleased       = "released"

	fieldCustomerID    = "customer_id"
	fieldEmail         = "email"
	fieldPhone         = "phone"
	fieldEmailVerified = "email_verified"
	fieldPhoneVerified = "phone_verified"
	fieldUpdatedAt     = "updated_at"
)

const (
	indexContactCreatedAt = "contact_purpose-created_at-index"
	indexEmail            = "email-index"
	indexPhone            = "phone-index"
)
