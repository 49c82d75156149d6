package service

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"identity-service/internal/identity"
	"identity-service/internal/models"
	"identity-service/internal/repository/scylla"
)

// Outcome is the resolver's decision for an identity claim.
type Outcome int

const (
	OutcomeCreateProfile Outcome = iota
	OutcomeUpdateProfile
	OutcomeSilentRelink
	OutcomeConflict
	OutcomeAlreadyLinked
	OutcomeNotRegistered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreateProfile:
		return "create_profile"
	case OutcomeUpdateProfile:
		return "update_profile"
	case OutcomeSilentRelink:
		return "silent_relink"
	case OutcomeConflict:
		return "conflict"
	case OutcomeAlreadyLinked:
		return "already_linked"
	case OutcomeNotRegistered:
		return "not_registered"
	default:
		return "unknown"
	}
}

// Decision is a resolver outcome plus the profile it applies to. Profile is
// nil for OutcomeCreateProfile and OutcomeNotRegistered. ConflictKind is set
// only for OutcomeConflict.
type Decision struct {
	Outcome      Outcome
	Profile      *models.Profile
	ConflictKind string
}

// CandidateInput is the pre-validated registration payload.
type CandidateInput struct {
	FirstName string
	LastName  string
	Email     string
	Phone     string
}

// IdentityResolver decides how an identity claim maps onto the profile
// store. It performs read-only lookups and never mutates anything.
type IdentityResolver struct {
	repo scylla.ProfileRepository
}

func NewIdentityResolver(repo scylla.ProfileRepository) *IdentityResolver {
	return &IdentityResolver{repo: repo}
}

// lookups holds the three read results every resolution needs. The rules
// consume them in priority order but the reads themselves run concurrently.
type lookups struct {
	bySubject *models.Profile
	byPhone   *models.Profile
	byEmail   *models.Profile
}

func (r *IdentityResolver) fetch(ctx context.Context, subjectID, email, phone string) (*lookups, error) {
	var result lookups
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		profile, err := r.repo.GetBySubject(gctx, subjectID)
		if err != nil && !errors.Is(err, scylla.ErrNotFound) {
			return fmt.Errorf("subject lookup: %w", err)
		}
		result.bySubject = profile
		return nil
	})
	if phone != "" {
		g.Go(func() error {
			profile, err := r.repo.GetByPhone(gctx, phone)
			if err != nil && !errors.Is(err, scylla.ErrNotFound) {
				return fmt.Errorf("phone lookup: %w", err)
			}
			result.byPhone = profile
			return nil
		})
	}
	if email != "" {
		g.Go(func() error {
			profile, err := r.repo.GetByEmail(gctx, email)
			if err != nil && !errors.Is(err, scylla.ErrNotFound) {
				return fmt.Errorf("email lookup: %w", err)
			}
			result.byEmail = profile
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &result, nil
}

// registrationRule maps a predicate over the lookup results to a decision.
// Rules are evaluated top to bottom; the first match wins.
type registrationRule struct {
	name    string
	applies func(l *lookups, assertion *identity.IdentityAssertion, input CandidateInput) *Decision
}

// registrationRules encodes the resolution priority. Phone conflicts are
// checked before email conflicts: a reused phone is the stronger signal of
// a distinct prior registration. A conflict on a provider-vouched email is
// downgraded to a silent relink because ownership is already proven.
var registrationRules = []registrationRule{
	{
		name: "subject already bound",
		applies: func(l *lookups, assertion *identity.IdentityAssertion, _ CandidateInput) *Decision {
			if l.bySubject != nil {
				return &Decision{Outcome: OutcomeUpdateProfile, Profile: l.bySubject}
			}
			return nil
		},
	},
	{
		name: "phone held by another subject",
		applies: func(l *lookups, assertion *identity.IdentityAssertion, _ CandidateInput) *Decision {
			if l.byPhone != nil && l.byPhone.ExternalSubjectID != "" && l.byPhone.ExternalSubjectID != assertion.SubjectID {
				return &Decision{Outcome: OutcomeConflict, Profile: l.byPhone, ConflictKind: ConflictPhone}
			}
			return nil
		},
	},
	{
		name: "email held by another subject",
		applies: func(l *lookups, assertion *identity.IdentityAssertion, input CandidateInput) *Decision {
			if l.byEmail != nil && l.byEmail.ExternalSubjectID != "" && l.byEmail.ExternalSubjectID != assertion.SubjectID {
				if assertion.Email != "" && assertion.Email == input.Email {
					return &Decision{Outcome: OutcomeSilentRelink, Profile: l.byEmail}
				}
				return &Decision{Outcome: OutcomeConflict, Profile: l.byEmail, ConflictKind: ConflictEmail}
			}
			return nil
		},
	},
	{
		name: "unbound profile by email",
		applies: func(l *lookups, _ *identity.IdentityAssertion, _ CandidateInput) *Decision {
			if l.byEmail != nil && l.byEmail.ExternalSubjectID == "" {
				return &Decision{Outcome: OutcomeSilentRelink, Profile: l.byEmail}
			}
			return nil
		},
	},
	{
		name: "unbound profile by phone",
		applies: func(l *lookups, _ *identity.IdentityAssertion, _ CandidateInput) *Decision {
			if l.byPhone != nil && l.byPhone.ExternalSubjectID == "" {
				return &Decision{Outcome: OutcomeSilentRelink, Profile: l.byPhone}
			}
			return nil
		},
	},
}

// ResolveRegistration decides what a registration request should do. The
// input must already be normalized and validated. The returned decision is
// purely advisory; committing it is the coordinator's job.
func (r *IdentityResolver) ResolveRegistration(ctx context.Context, assertion *identity.IdentityAssertion, input CandidateInput) (*Decision, error) {
	found, err := r.fetch(ctx, assertion.SubjectID, input.Email, input.Phone)
	if err != nil {
		return nil, err
	}

	for _, rule := range registrationRules {
		if decision := rule.applies(found, assertion, input); decision != nil {
			return decision, nil
		}
	}
	return &Decision{Outcome: OutcomeCreateProfile}, nil
}

// ResolveLinkOnly decides the lightweight attach-if-exists flow. It never
// yields a conflict: a contact bound to another subject simply does not
// match, and the caller falls through to NotRegistered.
func (r *IdentityResolver) ResolveLinkOnly(ctx context.Context, assertion *identity.IdentityAssertion) (*Decision, error) {
	found, err := r.fetch(ctx, assertion.SubjectID, assertion.Email, assertion.Phone)
	if err != nil {
		return nil, err
	}

	switch {
	case found.bySubject != nil:
		return &Decision{Outcome: OutcomeAlreadyLinked, Profile: found.bySubject}, nil
	case found.byEmail != nil && found.byEmail.ExternalSubjectID == "":
		return &Decision{Outcome: OutcomeSilentRelink, Profile: found.byEmail}, nil
	case found.byPhone != nil && found.byPhone.ExternalSubjectID == "":
		return &Decision{Outcome: OutcomeSilentRelink, Profile: found.byPhone}, nil
	default:
		return &Decision{Outcome: OutcomeNotRegistered}, nil
	}
}
