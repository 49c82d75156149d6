package models

import "time"

// PendingOtp is the transient proof artifact stored in the OTP ledger,
// keyed by normalized contact (email or phone digits). The code itself is
// stored as a peppered hash, never plaintext.
type PendingOtp struct {
	CodeHash      string    `json:"code_hash"`
	Salt          string    `json:"salt"`
	PepperVersion int       `json:"pepper_version"`
	Algorithm     string    `json:"algorithm"`
	ExpiresAt     time.Time `json:"expires_at"`
}
