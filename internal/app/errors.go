package app

import "errors"

// Error messages are user-facing; handlers surface them verbatim.
var (
	// Validation failures. No state change.
	ErrUsernameInvalid = errors.New("Username must be 2-20 characters using letters, numbers, or underscores")
	ErrEmailInvalid    = errors.New("Please enter a valid email")
	ErrContentRequired = errors.New("Message content is required")

	// Registration conflicts. No state change.
	ErrUsernameTaken = errors.New("Username already exists. Please try another one.")
	ErrEmailTaken    = errors.New("Email already exists. Please try another one.")

	// Lookup failures.
	ErrUserNotFound = errors.New("User not found")

	// Verification failures. Expired takes precedence over a mismatch.
	ErrCodeExpired   = errors.New("Verification code has expired. Please sign up again to get a new code.")
	ErrCodeIncorrect = errors.New("Incorrect verification code")

	// Authentication gate failures, checked in this order.
	ErrNoSuchUser  = errors.New("No user found with this email")
	ErrNotVerified = errors.New("Please verify your account before logging in")
	ErrBadPassword = errors.New("Incorrect password")

	// Message intake refusal.
	ErrNotAccepting = errors.New("User is not accepting messages")

	// The account mutation is already committed when this is reported; the
	// caller may retry registration to get a fresh code.
	ErrDeliveryFailure = errors.New("Error sending verification email")

	ErrInvalidSession      = errors.New("Not authenticated")
	ErrInvalidRefreshToken = errors.New("Invalid refresh token")
)
