package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/audit"
	"identity-service/internal/client"
	"identity-service/internal/contact"
	"identity-service/internal/identity"
	"identity-service/internal/models"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/search"
	"identity-service/internal/util"
)

// RegistrationStatus reports whether the caller's bound profile carries
// everything a complete registration needs.
type RegistrationStatus struct {
	Complete  bool   `json:"complete"`
	ProfileID string `json:"candidateId,omitempty"`
}

// LinkResult is the outcome of the lightweight attach flow.
type LinkResult struct {
	Registered bool   `json:"registered"`
	ProfileID  string `json:"candidateId,omitempty"`
}

// ProfileLinkCoordinator orchestrates the externally visible identity
// operations: it validates input, asks the resolver for a decision, commits
// that decision against the profile store, and gates merges behind the
// challenge service. Audit, indexing and event publication run after a
// successful commit and never fail the request.
type ProfileLinkCoordinator struct {
	repo        scylla.ProfileRepository
	resolver    *IdentityResolver
	challenges  *OtpChallengeService
	recorder    audit.Recorder
	indexer     search.Indexer
	producer    *client.KafkaProducer
	eventsTopic string
	phoneRegion string
}

func NewProfileLinkCoordinator(
	repo scylla.ProfileRepository,
	resolver *IdentityResolver,
	challenges *OtpChallengeService,
	recorder audit.Recorder,
	indexer search.Indexer,
	producer *client.KafkaProducer,
	eventsTopic string,
	phoneRegion string,
) *ProfileLinkCoordinator {
	return &ProfileLinkCoordinator{
		repo:        repo,
		resolver:    resolver,
		challenges:  challenges,
		recorder:    recorder,
		indexer:     indexer,
		producer:    producer,
		eventsTopic: eventsTopic,
		phoneRegion: phoneRegion,
	}
}

// CheckRegistration reports completeness for the caller's subject. A
// missing profile is an incomplete registration, never an error.
func (c *ProfileLinkCoordinator) CheckRegistration(ctx context.Context, assertion *identity.IdentityAssertion) (*RegistrationStatus, error) {
	profile, err := c.repo.GetBySubject(ctx, assertion.SubjectID)
	if errors.Is(err, scylla.ErrNotFound) {
		return &RegistrationStatus{Complete: false}, nil
	}
	if err != nil {
		return nil, err
	}
	return &RegistrationStatus{
		Complete:  c.isComplete(profile),
		ProfileID: profile.ProfileID,
	}, nil
}

func (c *ProfileLinkCoordinator) isComplete(p *models.Profile) bool {
	if !contact.ValidName(p.FirstName) || !contact.ValidName(p.LastName) {
		return false
	}
	if !contact.ValidEmail(p.Email) {
		return false
	}
	// A placeholder phone from a social sign-in bootstrap does not count.
	if p.Phone == models.PlaceholderPhone {
		return false
	}
	return contact.ValidPhone(p.Phone, c.phoneRegion)
}

// Register validates the payload, resolves it against the store, and
// commits the decision. Conflicts mutate nothing.
func (c *ProfileLinkCoordinator) Register(ctx context.Context, assertion *identity.IdentityAssertion, input CandidateInput) (string, error) {
	normalized, err := c.validateInput(input)
	if err != nil {
		return "", err
	}

	normalizedAssertion := *assertion
	normalizedAssertion.Email = contact.NormalizeEmail(assertion.Email)
	normalizedAssertion.Phone = contact.NormalizePhone(assertion.Phone)

	decision, err := c.resolver.ResolveRegistration(ctx, &normalizedAssertion, normalized)
	if err != nil {
		return "", err
	}

	var profileID string
	switch decision.Outcome {
	case OutcomeConflict:
		c.record(ctx, assertion, decision.Profile, decision.Outcome.String(), decision.ConflictKind)
		return "", NewConflictError(decision.ConflictKind, decision.Profile.ProfileID)

	case OutcomeCreateProfile:
		profile := &models.Profile{
			FirstName:         normalized.FirstName,
			LastName:          normalized.LastName,
			Email:             normalized.Email,
			Phone:             normalized.Phone,
			ExternalSubjectID: assertion.SubjectID,
		}
		if err := c.repo.Insert(ctx, profile); err != nil {
			return "", c.mapCommitError(err)
		}
		profileID = profile.ProfileID
		c.afterCommit(ctx, assertion, profile, decision.Outcome.String())

	case OutcomeUpdateProfile, OutcomeSilentRelink:
		updated, err := c.commitOnto(ctx, assertion, decision, normalized)
		if err != nil {
			return "", err
		}
		profileID = updated.ProfileID
		c.afterCommit(ctx, assertion, updated, decision.Outcome.String())

	default:
		return "", fmt.Errorf("unexpected resolution outcome %s", decision.Outcome)
	}

	return profileID, nil
}

// commitOnto writes the registration payload onto an existing profile,
// rebinding the subject first when the resolver picked a relink.
func (c *ProfileLinkCoordinator) commitOnto(ctx context.Context, assertion *identity.IdentityAssertion, decision *Decision, input CandidateInput) (*models.Profile, error) {
	target := decision.Profile

	if decision.Outcome == OutcomeSilentRelink && target.ExternalSubjectID != assertion.SubjectID {
		if err := c.repo.RebindSubject(ctx, target.ProfileID, assertion.SubjectID); err != nil {
			return nil, c.mapCommitError(err)
		}
		target.ExternalSubjectID = assertion.SubjectID
	}

	prev := *target
	updated := *target
	updated.FirstName = input.FirstName
	updated.LastName = input.LastName
	updated.Email = input.Email
	updated.Phone = input.Phone

	if err := c.repo.Update(ctx, &updated, &prev); err != nil {
		return nil, c.mapCommitError(err)
	}
	return &updated, nil
}

// IssueEmailChallenge sends a one-time code to the given email.
func (c *ProfileLinkCoordinator) IssueEmailChallenge(ctx context.Context, email string) error {
	normalized := contact.NormalizeEmail(email)
	if !contact.ValidEmail(normalized) {
		return NewValidationError("email", "malformed address")
	}
	return c.challenges.Issue(ctx, normalized, ChannelEmail)
}

// IssuePhoneChallenge sends a one-time code to the given phone.
func (c *ProfileLinkCoordinator) IssuePhoneChallenge(ctx context.Context, phone string) error {
	normalized := contact.NormalizePhone(phone)
	if !contact.ValidPhone(normalized, c.phoneRegion) {
		return NewValidationError("phone", "malformed number")
	}
	return c.challenges.Issue(ctx, normalized, ChannelSMS)
}

// VerifyEmailAndMerge consumes the pending code for the email and, on
// success, forcibly rebinds the owning profile to the caller's subject.
// This is the only forced-move path and it requires proof of ownership.
func (c *ProfileLinkCoordinator) VerifyEmailAndMerge(ctx context.Context, assertion *identity.IdentityAssertion, email, code string) (string, error) {
	normalized := contact.NormalizeEmail(email)
	if !contact.ValidEmail(normalized) {
		return "", NewValidationError("email", "malformed address")
	}
	return c.verifyAndMerge(ctx, assertion, normalized, code, func(ctx context.Context) (*models.Profile, error) {
		return c.repo.GetByEmail(ctx, normalized)
	})
}

// VerifyPhoneAndMerge is the phone counterpart of VerifyEmailAndMerge.
func (c *ProfileLinkCoordinator) VerifyPhoneAndMerge(ctx context.Context, assertion *identity.IdentityAssertion, phone, code string) (string, error) {
	normalized := contact.NormalizePhone(phone)
	if !contact.ValidPhone(normalized, c.phoneRegion) {
		return "", NewValidationError("phone", "malformed number")
	}
	return c.verifyAndMerge(ctx, assertion, normalized, code, func(ctx context.Context) (*models.Profile, error) {
		return c.repo.GetByPhone(ctx, normalized)
	})
}

func (c *ProfileLinkCoordinator) verifyAndMerge(ctx context.Context, assertion *identity.IdentityAssertion, normalizedContact, code string, lookup func(context.Context) (*models.Profile, error)) (string, error) {
	if !contact.ValidOtpCode(code) {
		return "", NewValidationError("code", "must be 6 digits")
	}

	if err := c.challenges.VerifyAndConsume(ctx, normalizedContact, code); err != nil {
		return "", err
	}

	profile, err := lookup(ctx)
	if errors.Is(err, scylla.ErrNotFound) {
		return "", ErrProfileNotFound
	}
	if err != nil {
		return "", err
	}

	if err := c.repo.RebindSubject(ctx, profile.ProfileID, assertion.SubjectID); err != nil {
		return "", c.mapCommitError(err)
	}
	profile.ExternalSubjectID = assertion.SubjectID

	c.afterCommit(ctx, assertion, profile, "merge")
	return profile.ProfileID, nil
}

// Link attaches the caller's subject to an existing profile when one of the
// asserted contacts matches an unbound profile. When nothing matches but
// the provider vouches for an email, a minimal profile is bootstrapped so
// the caller lands in the portal with a record to complete.
func (c *ProfileLinkCoordinator) Link(ctx context.Context, assertion *identity.IdentityAssertion) (*LinkResult, error) {
	normalizedAssertion := *assertion
	normalizedAssertion.Email = contact.NormalizeEmail(assertion.Email)
	normalizedAssertion.Phone = contact.NormalizePhone(assertion.Phone)

	decision, err := c.resolver.ResolveLinkOnly(ctx, &normalizedAssertion)
	if err != nil {
		return nil, err
	}

	switch decision.Outcome {
	case OutcomeAlreadyLinked:
		return &LinkResult{Registered: true, ProfileID: decision.Profile.ProfileID}, nil

	case OutcomeSilentRelink:
		if err := c.repo.RebindSubject(ctx, decision.Profile.ProfileID, assertion.SubjectID); err != nil {
			return nil, c.mapCommitError(err)
		}
		decision.Profile.ExternalSubjectID = assertion.SubjectID
		c.afterCommit(ctx, assertion, decision.Profile, decision.Outcome.String())
		return &LinkResult{Registered: true, ProfileID: decision.Profile.ProfileID}, nil

	case OutcomeNotRegistered:
		if normalizedAssertion.Email == "" {
			return &LinkResult{Registered: false}, nil
		}
		firstName, lastName := contact.SplitDisplayName(assertion.DisplayName, normalizedAssertion.Email)
		profile := &models.Profile{
			FirstName:         firstName,
			LastName:          lastName,
			Email:             normalizedAssertion.Email,
			Phone:             models.PlaceholderPhone,
			ExternalSubjectID: assertion.SubjectID,
		}
		if err := c.repo.Insert(ctx, profile); err != nil {
			// The email belongs to a profile bound to another subject
			// (or a concurrent registration won it). Link-only never
			// escalates that to a conflict; the caller routes to
			// registration, where a merge can be offered.
			if errors.Is(err, scylla.ErrDuplicate) {
				return &LinkResult{Registered: false}, nil
			}
			return nil, err
		}
		c.afterCommit(ctx, assertion, profile, "bootstrap")
		return &LinkResult{Registered: true, ProfileID: profile.ProfileID}, nil

	default:
		return nil, fmt.Errorf("unexpected link outcome %s", decision.Outcome)
	}
}

// GetProfile returns the caller's bound profile.
func (c *ProfileLinkCoordinator) GetProfile(ctx context.Context, assertion *identity.IdentityAssertion) (*models.Profile, error) {
	profile, err := c.repo.GetBySubject(ctx, assertion.SubjectID)
	if errors.Is(err, scylla.ErrNotFound) {
		return nil, ErrProfileNotFound
	}
	return profile, err
}

// ProfileDetails carries the free-form attributes a candidate can edit
// without going through identity resolution.
type ProfileDetails struct {
	Address           string   `json:"address"`
	City              string   `json:"city"`
	State             string   `json:"state"`
	TenthPercentage   *float64 `json:"tenthPercentage"`
	TwelfthPercentage *float64 `json:"twelfthPercentage"`
	Degree            string   `json:"degree"`
	DegreeCgpa        *float64 `json:"degreeCgpa"`
}

// UpdateDetails writes the non-identity attributes onto the caller's
// profile. Identity fields (email, phone, subject) go through Register.
func (c *ProfileLinkCoordinator) UpdateDetails(ctx context.Context, assertion *identity.IdentityAssertion, details ProfileDetails) (*models.Profile, error) {
	profile, err := c.repo.GetBySubject(ctx, assertion.SubjectID)
	if errors.Is(err, scylla.ErrNotFound) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}

	prev := *profile
	profile.Address = details.Address
	profile.City = details.City
	profile.State = details.State
	profile.TenthPercentage = details.TenthPercentage
	profile.TwelfthPercentage = details.TwelfthPercentage
	profile.Degree = details.Degree
	profile.DegreeCgpa = details.DegreeCgpa

	if err := c.repo.Update(ctx, profile, &prev); err != nil {
		return nil, err
	}

	c.indexer.Index(ctx, profile)
	return profile, nil
}

// SearchCandidates runs the recruiter directory query.
func (c *ProfileLinkCoordinator) SearchCandidates(ctx context.Context, query string, size int) ([]search.ProfileDocument, error) {
	return c.indexer.Search(ctx, query, size)
}

func (c *ProfileLinkCoordinator) validateInput(input CandidateInput) (CandidateInput, error) {
	normalized := CandidateInput{
		FirstName: input.FirstName,
		LastName:  input.LastName,
		Email:     contact.NormalizeEmail(input.Email),
		Phone:     contact.NormalizePhone(input.Phone),
	}
	if !contact.ValidName(normalized.FirstName) {
		return normalized, NewValidationError("firstName", "must be at least 2 characters")
	}
	if !contact.ValidName(normalized.LastName) {
		return normalized, NewValidationError("lastName", "must be at least 2 characters")
	}
	if !contact.ValidEmail(normalized.Email) {
		return normalized, NewValidationError("email", "malformed address")
	}
	if !contact.ValidPhone(normalized.Phone, c.phoneRegion) {
		return normalized, NewValidationError("phone", "malformed number")
	}
	return normalized, nil
}

// mapCommitError turns a lost uniqueness race into a conflict so the caller
// re-resolves instead of seeing an opaque failure.
func (c *ProfileLinkCoordinator) mapCommitError(err error) error {
	if errors.Is(err, scylla.ErrDuplicate) {
		return NewConflictError(ConflictEmail, "")
	}
	return err
}

// afterCommit runs the best-effort side channels: analytics, directory
// indexing and the merge event stream. None of them can fail the request.
func (c *ProfileLinkCoordinator) afterCommit(ctx context.Context, assertion *identity.IdentityAssertion, profile *models.Profile, outcome string) {
	c.record(ctx, assertion, profile, outcome, "")
	c.indexer.Index(ctx, profile)
	c.publishEvent(ctx, assertion, profile, outcome)
}

func (c *ProfileLinkCoordinator) record(ctx context.Context, assertion *identity.IdentityAssertion, profile *models.Profile, outcome, conflictKind string) {
	decision := audit.Decision{
		SubjectID:  assertion.SubjectID,
		Outcome:    outcome,
		ConflictOn: conflictKind,
		OccurredAt: time.Now().UTC(),
	}
	if profile != nil {
		decision.ProfileID = profile.ProfileID
		decision.Email = profile.Email
		decision.Phone = profile.Phone
	}
	c.recorder.Record(ctx, decision)
}

type identityEvent struct {
	Outcome    string    `json:"outcome"`
	SubjectID  string    `json:"subject_id"`
	ProfileID  string    `json:"profile_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (c *ProfileLinkCoordinator) publishEvent(ctx context.Context, assertion *identity.IdentityAssertion, profile *models.Profile, outcome string) {
	if c.producer == nil || c.eventsTopic == "" {
		return
	}

	payload, err := json.Marshal(identityEvent{
		Outcome:    outcome,
		SubjectID:  assertion.SubjectID,
		ProfileID:  profile.ProfileID,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		return
	}

	if err := c.producer.ProduceMessage(ctx, c.eventsTopic, []byte(profile.ProfileID), payload, nil); err != nil {
		util.Warn("Failed to publish identity event",
			zap.String("outcome", outcome),
			zap.Error(err))
	}
}
