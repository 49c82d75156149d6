package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"identity-service/internal/config"
	"identity-service/internal/hashing"
	"identity-service/internal/ledger"
)

// fakeSender records the last delivered code. It serves both channels.
type fakeSender struct {
	configured bool
	lastTo     string
	lastCode   string
	fail       error
}

func (s *fakeSender) Configured() bool { return s.configured }

func (s *fakeSender) SendOtp(_ context.Context, to, code string) error {
	if s.fail != nil {
		return s.fail
	}
	s.lastTo = to
	s.lastCode = code
	return nil
}

func newTestHasher() *hashing.Hasher {
	return hashing.NewHasher(&config.Config{
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
		},
	})
}

type challengeFixture struct {
	svc    *OtpChallengeService
	email  *fakeSender
	sms    *fakeSender
	now    *time.Time
	ledger *ledger.Memory
}

func newChallengeFixture(t *testing.T) *challengeFixture {
	t.Helper()

	now := time.Now()
	clock := func() time.Time { return now }
	store := ledger.NewMemoryWithClock(clock)

	email := &fakeSender{configured: true}
	sms := &fakeSender{configured: true}

	svc := NewOtpChallengeService(store, newTestHasher(), email, sms, 10*time.Minute)
	svc.now = clock

	return &challengeFixture{svc: svc, email: email, sms: sms, now: &now, ledger: store}
}

func TestChallengeIssueAndVerify(t *testing.T) {
	ctx := context.Background()
	fx := newChallengeFixture(t)

	if err := fx.svc.Issue(ctx, "a@x.com", ChannelEmail); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if fx.email.lastTo != "a@x.com" || len(fx.email.lastCode) != 6 {
		t.Fatalf("delivered (%q, %q), want a 6-digit code to a@x.com", fx.email.lastTo, fx.email.lastCode)
	}

	if err := fx.svc.VerifyAndConsume(ctx, "a@x.com", fx.email.lastCode); err != nil {
		t.Fatalf("VerifyAndConsume failed: %v", err)
	}
}

func TestChallengeSingleUse(t *testing.T) {
	ctx := context.Background()
	fx := newChallengeFixture(t)

	fx.svc.Issue(ctx, "a@x.com", ChannelEmail)
	code := fx.email.lastCode

	if err := fx.svc.VerifyAndConsume(ctx, "a@x.com", code); err != nil {
		t.Fatalf("first verification failed: %v", err)
	}
	if err := fx.svc.VerifyAndConsume(ctx, "a@x.com", code); !errors.Is(err, ErrOTPNotFound) {
		t.Fatalf("second verification = %v, want ErrOTPNotFound", err)
	}
}

func TestChallengeWrongCodeNonDestructive(t *testing.T) {
	ctx := context.Background()
	fx := newChallengeFixture(t)

	fx.svc.Issue(ctx, "a@x.com", ChannelEmail)
	code := fx.email.lastCode

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	if err := fx.svc.VerifyAndConsume(ctx, "a@x.com", wrong); !errors.Is(err, ErrOTPInvalid) {
		t.Fatalf("wrong code = %v, want ErrOTPInvalid", err)
	}
	// Second wrong guess does not expire the code early.
	if err := fx.svc.VerifyAndConsume(ctx, "a@x.com", wrong); !errors.Is(err, ErrOTPInvalid) {
		t.Fatalf("repeated wrong code = %v, want ErrOTPInvalid", err)
	}
	if err := fx.svc.VerifyAndConsume(ctx, "a@x.com", code); err != nil {
		t.Fatalf("correct retry failed: %v", err)
	}
}

func TestChallengeExpiry(t *testing.T) {
	ctx := context.Background()
	fx := newChallengeFixture(t)

	fx.svc.Issue(ctx, "a@x.com", ChannelEmail)
	code := fx.email.lastCode

	// Past logical expiry but inside the retention grace window.
	*fx.now = fx.now.Add(11 * time.Minute)

	if err := fx.svc.VerifyAndConsume(ctx, "a@x.com", code); !errors.Is(err, ErrOTPExpired) {
		t.Fatalf("expired code = %v, want ErrOTPExpired", err)
	}
	// The expired check purged the entry.
	if err := fx.svc.VerifyAndConsume(ctx, "a@x.com", code); !errors.Is(err, ErrOTPNotFound) {
		t.Fatalf("after purge = %v, want ErrOTPNotFound", err)
	}
}

func TestChallengeNeverIssued(t *testing.T) {
	fx := newChallengeFixture(t)

	if err := fx.svc.VerifyAndConsume(context.Background(), "a@x.com", "123456"); !errors.Is(err, ErrOTPNotFound) {
		t.Fatalf("never issued = %v, want ErrOTPNotFound", err)
	}
}

func TestChallengeReissueOverwrites(t *testing.T) {
	ctx := context.Background()
	fx := newChallengeFixture(t)

	fx.svc.Issue(ctx, "a@x.com", ChannelEmail)
	first := fx.email.lastCode

	fx.svc.Issue(ctx, "a@x.com", ChannelEmail)
	second := fx.email.lastCode

	if first != second {
		if err := fx.svc.VerifyAndConsume(ctx, "a@x.com", first); !errors.Is(err, ErrOTPInvalid) {
			t.Fatalf("superseded code = %v, want ErrOTPInvalid", err)
		}
	}
	if err := fx.svc.VerifyAndConsume(ctx, "a@x.com", second); err != nil {
		t.Fatalf("latest code failed: %v", err)
	}
}

func TestChallengeNormalizesContact(t *testing.T) {
	ctx := context.Background()
	fx := newChallengeFixture(t)

	// Issuing with a raw address stores and delivers under the canonical
	// form, and verification accepts any spelling of the same contact.
	if err := fx.svc.Issue(ctx, "  A@X.Com ", ChannelEmail); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if fx.email.lastTo != "a@x.com" {
		t.Fatalf("delivered to %q, want a@x.com", fx.email.lastTo)
	}
	if err := fx.svc.VerifyAndConsume(ctx, "A@x.COM", fx.email.lastCode); err != nil {
		t.Fatalf("VerifyAndConsume with raw spelling failed: %v", err)
	}

	if err := fx.svc.Issue(ctx, "+1 (415) 555-0100", ChannelSMS); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if fx.sms.lastTo != "14155550100" {
		t.Fatalf("delivered to %q, want 14155550100", fx.sms.lastTo)
	}
	if err := fx.svc.VerifyAndConsume(ctx, "1-415-555-0100", fx.sms.lastCode); err != nil {
		t.Fatalf("VerifyAndConsume with formatted number failed: %v", err)
	}
}

func TestChallengeChannelUnavailable(t *testing.T) {
	ctx := context.Background()
	fx := newChallengeFixture(t)
	fx.sms.configured = false

	err := fx.svc.Issue(ctx, "14155550100", ChannelSMS)
	var unavailable *ChannelUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("Issue on unconfigured channel = %v, want ChannelUnavailableError", err)
	}

	// Nothing was minted for the contact.
	if _, ok, _ := fx.ledger.Get(ctx, "14155550100"); ok {
		t.Fatal("unconfigured channel must not mint a code")
	}
}

func TestChallengeDispatchFailure(t *testing.T) {
	ctx := context.Background()
	fx := newChallengeFixture(t)
	fx.email.fail = errors.New("broker down")

	err := fx.svc.Issue(ctx, "a@x.com", ChannelEmail)
	if err == nil {
		t.Fatal("expected a dispatch error")
	}
	var validation *ValidationError
	if errors.As(err, &validation) {
		t.Fatal("dispatch failure must not look like a validation error")
	}
}
