package billing

import "errors"

var (
	// ErrSignatureInvalid is returned when a webhook signature header is missing or does not match the body
	ErrSignatureInvalid = errors.New("invalid webhook signature")

	// ErrInvalidArgument is returned when a required request field is missing or malformed
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConfiguration is returned when required deployment configuration is missing
	ErrConfiguration = errors.New("billing provider not configured")

	// ErrUpstreamProvider is returned when a call to the billing provider's API fails.
	// Transient and permanent failures are not distinguished.
	ErrUpstreamProvider = errors.New("billing provider API error")

	// ErrInvalidCoupon is returned when a supplied coupon or promotion code cannot be resolved
	ErrInvalidCoupon = errors.New("invalid or expired coupon")

	// ErrNotFound is returned when a requested local resource does not exist (e.g. the event log)
	ErrNotFound = errors.New("not found")

	// ErrUserNotFound is returned when a user cannot be found in the repository
	ErrUserNotFound = errors.New("user not found")

	// ErrEntitlementNotFound is returned when a user has no recorded entitlement
	ErrEntitlementNotFound = errors.New("entitlement not found")

	// ErrInvalidWebhookPayload is returned when a verified webhook payload cannot be decoded
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")
)
