package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"identity-service/internal/audit"
	"identity-service/internal/identity"
	"identity-service/internal/models"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/search"
)

type coordinatorFixture struct {
	repo      *fakeRepo
	challenge *challengeFixture
	coord     *ProfileLinkCoordinator
}

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	t.Helper()

	repo := newFakeRepo()
	challenge := newChallengeFixture(t)

	coord := NewProfileLinkCoordinator(
		repo,
		NewIdentityResolver(repo),
		challenge.svc,
		audit.NewNoopRecorder(),
		search.NewNoopIndexer(),
		nil, "",
		"US",
	)
	return &coordinatorFixture{repo: repo, challenge: challenge, coord: coord}
}

func validInput() CandidateInput {
	return CandidateInput{FirstName: "Asha", LastName: "Rao", Email: "a@x.com", Phone: "14155550100"}
}

func TestRegisterCreatesProfile(t *testing.T) {
	ctx := context.Background()
	fx := newCoordinatorFixture(t)

	profileID, err := fx.coord.Register(ctx, &identity.IdentityAssertion{SubjectID: "s1"}, validInput())
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	created, err := fx.repo.GetByID(ctx, profileID)
	if err != nil {
		t.Fatalf("created profile not found: %v", err)
	}
	if created.ExternalSubjectID != "s1" {
		t.Fatalf("subject = %q, want s1", created.ExternalSubjectID)
	}
	if created.Email != "a@x.com" || created.Phone != "14155550100" {
		t.Fatalf("stored contacts (%q, %q) not normalized", created.Email, created.Phone)
	}
}

func TestRegisterNormalizesInput(t *testing.T) {
	ctx := context.Background()
	fx := newCoordinatorFixture(t)

	profileID, err := fx.coord.Register(ctx, &identity.IdentityAssertion{SubjectID: "s1"}, CandidateInput{
		FirstName: "Asha",
		LastName:  "Rao",
		Email:     "  A@X.Com ",
		Phone:     "+1 (415) 555-0100",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	created, _ := fx.repo.GetByID(ctx, profileID)
	if created.Email != "a@x.com" || created.Phone != "14155550100" {
		t.Fatalf("stored contacts (%q, %q), want normalized forms", created.Email, created.Phone)
	}
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CandidateInput)
	}{
		{"short first name", func(in *CandidateInput) { in.FirstName = "A" }},
		{"short last name", func(in *CandidateInput) { in.LastName = " r " }},
		{"bad email", func(in *CandidateInput) { in.Email = "not-an-email" }},
		{"bad phone for region", func(in *CandidateInput) { in.Phone = "4155550100" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newCoordinatorFixture(t)
			input := validInput()
			tt.mutate(&input)

			_, err := fx.coord.Register(context.Background(), &identity.IdentityAssertion{SubjectID: "s1"}, input)
			var validation *ValidationError
			if !errors.As(err, &validation) {
				t.Fatalf("Register = %v, want ValidationError", err)
			}
			if len(fx.repo.byID) != 0 {
				t.Fatal("invalid input must not create a profile")
			}
		})
	}
}

func TestRegisterIdempotent(t *testing.T) {
	ctx := context.Background()
	fx := newCoordinatorFixture(t)
	assertion := &identity.IdentityAssertion{SubjectID: "s1"}

	first, err := fx.coord.Register(ctx, assertion, validInput())
	if err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	second, err := fx.coord.Register(ctx, assertion, validInput())
	if err != nil {
		t.Fatalf("second Register failed: %v", err)
	}

	if first != second {
		t.Fatalf("re-registration returned %q, want %q", second, first)
	}
	if len(fx.repo.byID) != 1 {
		t.Fatalf("profile count = %d, want 1", len(fx.repo.byID))
	}
}

func TestRegisterConflictDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	fx := newCoordinatorFixture(t)
	seedProfile(t, fx.repo, models.Profile{Email: "a@x.com", Phone: "14155550177", ExternalSubjectID: "s2"})

	_, err := fx.coord.Register(ctx, &identity.IdentityAssertion{SubjectID: "s1", Email: "other@x.com"}, validInput())
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Register = %v, want ConflictError", err)
	}
	if conflict.Kind != ConflictEmail {
		t.Fatalf("conflict kind = %q, want email", conflict.Kind)
	}

	unchanged, _ := fx.repo.GetByEmail(ctx, "a@x.com")
	if unchanged.ExternalSubjectID != "s2" {
		t.Fatal("conflict must not rebind the profile")
	}
	if len(fx.repo.byID) != 1 {
		t.Fatal("conflict must not create a profile")
	}
}

func TestRegisterSilentRelinkProviderVouched(t *testing.T) {
	ctx := context.Background()
	fx := newCoordinatorFixture(t)
	seeded := seedProfile(t, fx.repo, models.Profile{Email: "a@x.com", Phone: "14155550177", ExternalSubjectID: "s2"})

	profileID, err := fx.coord.Register(ctx, &identity.IdentityAssertion{SubjectID: "s1", Email: "a@x.com"}, validInput())
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if profileID != seeded.ProfileID {
		t.Fatalf("relinked %q, want %q", profileID, seeded.ProfileID)
	}

	relinked, _ := fx.repo.GetByID(ctx, profileID)
	if relinked.ExternalSubjectID != "s1" {
		t.Fatalf("subject = %q, want s1 after relink", relinked.ExternalSubjectID)
	}
}

// failingInsertRepo simulates losing the commit-time uniqueness race.
type failingInsertRepo struct {
	*fakeRepo
}

func (f *failingInsertRepo) Insert(context.Context, *models.Profile) error {
	return fmt.Errorf("%w: email a@x.com", scylla.ErrDuplicate)
}

func TestRegisterLostRaceSurfacesConflict(t *testing.T) {
	repo := &failingInsertRepo{fakeRepo: newFakeRepo()}
	challenge := newChallengeFixture(t)
	coord := NewProfileLinkCoordinator(
		repo,
		NewIdentityResolver(repo),
		challenge.svc,
		audit.NewNoopRecorder(),
		search.NewNoopIndexer(),
		nil, "",
		"US",
	)

	_, err := coord.Register(context.Background(), &identity.IdentityAssertion{SubjectID: "s1"}, validInput())
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("lost race = %v, want ConflictError", err)
	}
}

func TestVerifyEmailAndMerge(t *testing.T) {
	ctx := context.Background()
	fx := newCoordinatorFixture(t)
	seeded := seedProfile(t, fx.repo, models.Profile{Email: "a@x.com", Phone: "14155550100", ExternalSubjectID: "s2"})
	assertion := &identity.IdentityAssertion{SubjectID: "s1"}

	if err := fx.coord.IssueEmailChallenge(ctx, "a@x.com"); err != nil {
		t.Fatalf("IssueEmailChallenge failed: %v", err)
	}
	code := fx.challenge.email.lastCode

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}
	if _, err := fx.coord.VerifyEmailAndMerge(ctx, assertion, "a@x.com", wrong); !errors.Is(err, ErrOTPInvalid) {
		t.Fatalf("wrong code = %v, want ErrOTPInvalid", err)
	}

	profileID, err := fx.coord.VerifyEmailAndMerge(ctx, assertion, "a@x.com", code)
	if err != nil {
		t.Fatalf("VerifyEmailAndMerge failed: %v", err)
	}
	if profileID != seeded.ProfileID {
		t.Fatalf("merged %q, want %q", profileID, seeded.ProfileID)
	}

	merged, _ := fx.repo.GetByID(ctx, profileID)
	if merged.ExternalSubjectID != "s1" {
		t.Fatalf("subject = %q, want s1 after merge", merged.ExternalSubjectID)
	}

	// The code is single-use.
	if _, err := fx.coord.VerifyEmailAndMerge(ctx, assertion, "a@x.com", code); !errors.Is(err, ErrOTPNotFound) {
		t.Fatalf("consumed code = %v, want ErrOTPNotFound", err)
	}
}

func TestVerifyPhoneAndMerge(t *testing.T) {
	ctx := context.Background()
	fx := newCoordinatorFixture(t)
	seeded := seedProfile(t, fx.repo, models.Profile{Email: "a@x.com", Phone: "14155550100", ExternalSubjectID: "s2"})
	assertion := &identity.IdentityAssertion{SubjectID: "s1"}

	if err := fx.coord.IssuePhoneChallenge(ctx, "+1 (415) 555-0100"); err != nil {
		t.Fatalf("IssuePhoneChallenge failed: %v", err)
	}
	if fx.challenge.sms.lastTo != "14155550100" {
		t.Fatalf("dispatched to %q, want the digits-only form", fx.challenge.sms.lastTo)
	}

	profileID, err := fx.coord.VerifyPhoneAndMerge(ctx, assertion, "14155550100", fx.challenge.sms.lastCode)
	if err != nil {
		t.Fatalf("VerifyPhoneAndMerge failed: %v", err)
	}
	if profileID != seeded.ProfileID {
		t.Fatalf("merged %q, want %q", profileID, seeded.ProfileID)
	}
}

func TestVerifyAndMergeNoProfileForContact(t *testing.T) {
	ctx := context.Background()
	fx := newCoordinatorFixture(t)
	assertion := &identity.IdentityAssertion{SubjectID: "s1"}

	fx.coord.IssueEmailChallenge(ctx, "a@x.com")
	code := fx.challenge.email.lastCode

	_, err := fx.coord.VerifyEmailAndMerge(ctx, assertion, "a@x.com", code)
	if !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("no owner = %v, want ErrProfileNotFound", err)
	}
}

func TestMergeDetachesPreviousBinding(t *testing.T) {
	ctx := context.Background()
	fx := newCoordinatorFixture(t)
	target := seedProfile(t, fx.repo, models.Profile{Email: "a@x.com", Phone: "14155550100", ExternalSubjectID: "s2"})
	mine := seedProfile(t, fx.repo, models.Profile{Email: "me@x.com", Phone: "14155550199", ExternalSubjectID: "s1"})
	assertion := &identity.IdentityAssertion{SubjectID: "s1"}

	fx.coord.IssueEmailChallenge(ctx, "a@x.com")
	if _, err := fx.coord.VerifyEmailAndMerge(ctx, assertion, "a@x.com", fx.challenge.email.lastCode); err != nil {
		t.Fatalf("VerifyEmailAndMerge failed: %v", err)
	}

	// s1 now binds the merged profile; its old profile is unbound.
	merged, _ := fx.repo.GetByID(ctx, target.ProfileID)
	if merged.ExternalSubjectID != "s1" {
		t.Fatalf("target subject = %q, want s1", merged.ExternalSubjectID)
	}
	detached, _ := fx.repo.GetByID(ctx, mine.ProfileID)
	if detached.ExternalSubjectID != "" {
		t.Fatalf("previous profile subject = %q, want detached", detached.ExternalSubjectID)
	}
}

func TestLinkFlows(t *testing.T) {
	ctx := context.Background()

	t.Run("already linked", func(t *testing.T) {
		fx := newCoordinatorFixture(t)
		seeded := seedProfile(t, fx.repo, models.Profile{Email: "a@x.com", Phone: "14155550100", ExternalSubjectID: "s1"})

		result, err := fx.coord.Link(ctx, &identity.IdentityAssertion{SubjectID: "s1"})
		if err != nil {
			t.Fatalf("Link failed: %v", err)
		}
		if !result.Registered || result.ProfileID != seeded.ProfileID {
			t.Fatalf("result = %+v, want registered with seeded profile", result)
		}
	})

	t.Run("silent relink", func(t *testing.T) {
		fx := newCoordinatorFixture(t)
		seeded := seedProfile(t, fx.repo, models.Profile{Email: "a@x.com", Phone: "14155550100"})

		result, err := fx.coord.Link(ctx, &identity.IdentityAssertion{SubjectID: "s1", Email: "A@X.com"})
		if err != nil {
			t.Fatalf("Link failed: %v", err)
		}
		if !result.Registered || result.ProfileID != seeded.ProfileID {
			t.Fatalf("result = %+v, want relink onto seeded profile", result)
		}

		relinked, _ := fx.repo.GetByID(ctx, seeded.ProfileID)
		if relinked.ExternalSubjectID != "s1" {
			t.Fatal("Link did not commit the rebind")
		}
	})

	t.Run("bootstrap from provider email", func(t *testing.T) {
		fx := newCoordinatorFixture(t)

		result, err := fx.coord.Link(ctx, &identity.IdentityAssertion{
			SubjectID:   "s1",
			Email:       "asha.rao@x.com",
			DisplayName: "Asha Rao",
		})
		if err != nil {
			t.Fatalf("Link failed: %v", err)
		}
		if !result.Registered || result.ProfileID == "" {
			t.Fatalf("result = %+v, want a bootstrapped profile", result)
		}

		created, _ := fx.repo.GetByID(ctx, result.ProfileID)
		if created.FirstName != "Asha" || created.LastName != "Rao" {
			t.Fatalf("names (%q, %q), want derived from display name", created.FirstName, created.LastName)
		}
		if created.Phone != models.PlaceholderPhone {
			t.Fatalf("phone = %q, want placeholder", created.Phone)
		}

		// A bootstrapped profile is not a complete registration.
		status, err := fx.coord.CheckRegistration(ctx, &identity.IdentityAssertion{SubjectID: "s1"})
		if err != nil {
			t.Fatalf("CheckRegistration failed: %v", err)
		}
		if status.Complete {
			t.Fatal("placeholder phone must not count as complete")
		}
	})

	t.Run("email held by another subject is not registered", func(t *testing.T) {
		fx := newCoordinatorFixture(t)
		seedProfile(t, fx.repo, models.Profile{Email: "a@x.com", Phone: "14155550100", ExternalSubjectID: "s2"})

		result, err := fx.coord.Link(ctx, &identity.IdentityAssertion{SubjectID: "s1", Email: "a@x.com"})
		if err != nil {
			t.Fatalf("Link failed: %v", err)
		}
		if result.Registered {
			t.Fatal("a bound email must route to registration, not claim linked")
		}

		// The bound profile is untouched and no bootstrap was created.
		unchanged, _ := fx.repo.GetByEmail(ctx, "a@x.com")
		if unchanged.ExternalSubjectID != "s2" {
			t.Fatalf("subject = %q, want s2 untouched", unchanged.ExternalSubjectID)
		}
		if len(fx.repo.byID) != 1 {
			t.Fatalf("profile count = %d, want 1", len(fx.repo.byID))
		}
	})

	t.Run("not registered without email", func(t *testing.T) {
		fx := newCoordinatorFixture(t)

		result, err := fx.coord.Link(ctx, &identity.IdentityAssertion{SubjectID: "s1"})
		if err != nil {
			t.Fatalf("Link failed: %v", err)
		}
		if result.Registered {
			t.Fatal("nothing to link and no email should report not registered")
		}
	})
}

func TestCheckRegistration(t *testing.T) {
	ctx := context.Background()

	t.Run("no profile", func(t *testing.T) {
		fx := newCoordinatorFixture(t)
		status, err := fx.coord.CheckRegistration(ctx, &identity.IdentityAssertion{SubjectID: "s1"})
		if err != nil {
			t.Fatalf("CheckRegistration failed: %v", err)
		}
		if status.Complete {
			t.Fatal("missing profile must be incomplete, not an error")
		}
	})

	t.Run("complete after register", func(t *testing.T) {
		fx := newCoordinatorFixture(t)
		if _, err := fx.coord.Register(ctx, &identity.IdentityAssertion{SubjectID: "s1"}, validInput()); err != nil {
			t.Fatalf("Register failed: %v", err)
		}

		status, err := fx.coord.CheckRegistration(ctx, &identity.IdentityAssertion{SubjectID: "s1"})
		if err != nil {
			t.Fatalf("CheckRegistration failed: %v", err)
		}
		if !status.Complete {
			t.Fatal("registered profile should be complete")
		}
	})
}

func TestUpdateDetails(t *testing.T) {
	ctx := context.Background()
	fx := newCoordinatorFixture(t)
	seedProfile(t, fx.repo, models.Profile{Email: "a@x.com", Phone: "14155550100", ExternalSubjectID: "s1"})

	cgpa := 8.4
	updated, err := fx.coord.UpdateDetails(ctx, &identity.IdentityAssertion{SubjectID: "s1"}, ProfileDetails{
		City:       "Pune",
		State:      "MH",
		Degree:     "BE",
		DegreeCgpa: &cgpa,
	})
	if err != nil {
		t.Fatalf("UpdateDetails failed: %v", err)
	}
	if updated.City != "Pune" || updated.DegreeCgpa == nil || *updated.DegreeCgpa != 8.4 {
		t.Fatalf("details not applied: %+v", updated)
	}

	// Identity fields are untouched.
	if updated.Email != "a@x.com" || updated.Phone != "14155550100" {
		t.Fatal("UpdateDetails must not change identity fields")
	}
}

func TestUpdateDetailsNoProfile(t *testing.T) {
	fx := newCoordinatorFixture(t)

	_, err := fx.coord.UpdateDetails(context.Background(), &identity.IdentityAssertion{SubjectID: "s1"}, ProfileDetails{})
	if !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("UpdateDetails = %v, want ErrProfileNotFound", err)
	}
}
