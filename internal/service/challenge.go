package service

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/contact"
	"identity-service/internal/hashing"
	"identity-service/internal/ledger"
	"identity-service/internal/models"
	"identity-service/internal/notify"
	"identity-service/internal/util"
)

// Delivery channels for one-time codes.
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

// ttlGrace keeps ledger entries alive slightly past their logical expiry so
// a late verification observes Expired rather than NotFound.
const ttlGrace = 2 * time.Minute

// OtpChallengeService issues and verifies one-time codes. Codes are stored
// hashed; the plaintext exists only in the delivery payload. A contact has
// at most one pending code: issuing again overwrites the previous entry.
type OtpChallengeService struct {
	store       ledger.Ledger
	hasher      *hashing.Hasher
	emailSender notify.EmailSender
	smsSender   notify.SMSSender
	expiry      time.Duration
	now         func() time.Time
}

func NewOtpChallengeService(
	store ledger.Ledger,
	hasher *hashing.Hasher,
	emailSender notify.EmailSender,
	smsSender notify.SMSSender,
	expiry time.Duration,
) *OtpChallengeService {
	return &OtpChallengeService{
		store:       store,
		hasher:      hasher,
		emailSender: emailSender,
		smsSender:   smsSender,
		expiry:      expiry,
		now:         time.Now,
	}
}

// Issue normalizes the contact, mints a fresh code for it and hands the
// code to the channel's sender. If the channel is not configured it fails
// before touching the ledger, so no unredeemable code is ever minted.
func (s *OtpChallengeService) Issue(ctx context.Context, rawContact, channel string) error {
	var to string
	var configured bool
	switch channel {
	case ChannelEmail:
		to = contact.NormalizeEmail(rawContact)
		configured = s.emailSender != nil && s.emailSender.Configured()
	case ChannelSMS:
		to = contact.NormalizePhone(rawContact)
		configured = s.smsSender != nil && s.smsSender.Configured()
	default:
		return NewValidationError("channel", "unknown delivery channel")
	}
	if !configured {
		return &ChannelUnavailableError{Channel: channel}
	}

	code, err := generateCode()
	if err != nil {
		return fmt.Errorf("failed to generate code: %w", err)
	}

	hashed, err := s.hasher.HashOTP(code)
	if err != nil {
		return fmt.Errorf("failed to hash code: %w", err)
	}

	pending := models.PendingOtp{
		CodeHash:      hashed.Hash,
		Salt:          hashed.Salt,
		PepperVersion: hashed.PepperVersion,
		Algorithm:     hashed.Algorithm,
		ExpiresAt:     s.now().Add(s.expiry).UTC(),
	}
	value, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("failed to encode pending challenge: %w", err)
	}

	if err := s.store.Put(ctx, to, string(value), s.expiry+ttlGrace); err != nil {
		return fmt.Errorf("failed to store pending challenge: %w", err)
	}

	switch channel {
	case ChannelEmail:
		err = s.emailSender.SendOtp(ctx, to, code)
	case ChannelSMS:
		err = s.smsSender.SendOtp(ctx, to, code)
	}
	if err != nil {
		// The entry stays behind but cannot be redeemed without the
		// undelivered code; the next issuance overwrites it.
		if errors.Is(err, notify.ErrChannelUnavailable) {
			return &ChannelUnavailableError{Channel: channel}
		}
		return fmt.Errorf("failed to dispatch code: %w", err)
	}

	util.Info("Challenge issued", zap.String("channel", channel))
	return nil
}

// VerifyAndConsume normalizes the contact and checks a submitted code
// against its pending challenge. Success consumes the entry atomically; a
// wrong code leaves it intact so the caller can retry within the expiry
// window.
func (s *OtpChallengeService) VerifyAndConsume(ctx context.Context, rawContact, submittedCode string) error {
	key := normalizeContact(rawContact)

	value, ok, err := s.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to load pending challenge: %w", err)
	}
	if !ok {
		return ErrOTPNotFound
	}

	var pending models.PendingOtp
	if err := json.Unmarshal([]byte(value), &pending); err != nil {
		return fmt.Errorf("failed to decode pending challenge: %w", err)
	}

	if s.now().After(pending.ExpiresAt) {
		if err := s.store.Delete(ctx, key); err != nil {
			util.Warn("Failed to purge expired challenge", zap.Error(err))
		}
		return ErrOTPExpired
	}

	match, err := s.hasher.VerifyOTP(submittedCode, &hashing.HashResult{
		Hash:          pending.CodeHash,
		Salt:          pending.Salt,
		PepperVersion: pending.PepperVersion,
		Algorithm:     pending.Algorithm,
	})
	if err != nil {
		return fmt.Errorf("failed to verify code: %w", err)
	}
	if !match {
		return ErrOTPInvalid
	}

	// Compare-and-delete on the exact stored value: of two concurrent
	// correct submissions only one consumes the entry.
	consumed, err := s.store.CompareAndDelete(ctx, key, value)
	if err != nil {
		return fmt.Errorf("failed to consume challenge: %w", err)
	}
	if !consumed {
		return ErrOTPNotFound
	}

	return nil
}

// normalizeContact canonicalizes a contact without knowing its channel:
// anything with an "@" is an email, everything else a phone number.
func normalizeContact(raw string) string {
	if strings.Contains(raw, "@") {
		return contact.NormalizeEmail(raw)
	}
	return contact.NormalizePhone(raw)
}

// generateCode draws a 6 decimal digit code uniformly from 000000-999999.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
