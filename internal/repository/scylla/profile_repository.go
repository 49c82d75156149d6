package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/bucketing"
	"identity-service/internal/models"
	"identity-service/internal/util"
)

var (
	// ErrNotFound is returned when no profile matches the lookup key.
	ErrNotFound = errors.New("profile not found")
	// ErrDuplicate is returned when a uniqueness claim (email or subject id)
	// loses to an existing row. This is the expected outcome of concurrent
	// registration races, not an infrastructure failure.
	ErrDuplicate = errors.New("uniqueness constraint violated")
)

// ProfileRepository is the lookup/commit contract the identity resolver and
// coordinator depend on.
type ProfileRepository interface {
	Insert(ctx context.Context, profile *models.Profile) error
	Update(ctx context.Context, profile *models.Profile, prev *models.Profile) error
	RebindSubject(ctx context.Context, profileID, subjectID string) error
	GetByID(ctx context.Context, profileID string) (*models.Profile, error)
	GetByEmail(ctx context.Context, email string) (*models.Profile, error)
	GetByPhone(ctx context.Context, phoneDigits string) (*models.Profile, error)
	GetBySubject(ctx context.Context, subjectID string) (*models.Profile, error)
	HealthCheck(ctx context.Context) error
}

// profileRepository persists profiles across denormalized Scylla tables:
// profiles_by_id holds the full row (partitioned by bucket); profiles_by_email,
// profiles_by_phone and profiles_by_subject map lookup keys to profile ids.
// Email and subject claims go through lightweight transactions so concurrent
// registrations cannot both win; phone is a best-effort mapping (historical
// data carries duplicates and +-prefixed forms).
type profileRepository struct {
	client    *ScyllaClient
	bucketing *bucketing.BucketingManager
}

func NewProfileRepository(client *ScyllaClient, bucketingMgr *bucketing.BucketingManager) ProfileRepository {
	return &profileRepository{
		client:    client,
		bucketing: bucketingMgr,
	}
}

func (r *profileRepository) Insert(ctx context.Context, profile *models.Profile) error {
	if profile.ProfileID == "" {
		profile.ProfileID = uuid.New().String()
	}
	profile.ProfileBucket = r.bucketing.GetProfileBucket(profile.ProfileID)

	now := time.Now().UTC()
	profile.CreatedAt = now
	profile.UpdatedAt = &now

	// Claim the email first; it is the primary uniqueness constraint.
	if err := r.claimEmail(ctx, profile.Email, profile.ProfileID); err != nil {
		return err
	}

	if profile.ExternalSubjectID != "" {
		if err := r.claimSubject(ctx, profile.ExternalSubjectID, profile.ProfileID); err != nil {
			// Roll back the email claim so a retry can resolve afresh.
			r.releaseEmail(ctx, profile.Email)
			return err
		}
	}

	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(r.client.Prepared.InsertProfile, r.profileValues(profile)...)
	if profile.Phone != "" {
		batch.Query(r.client.Prepared.InsertPhoneIndex, profile.Phone, profile.ProfileID)
	}

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to insert profile",
			zap.String("profile_id", profile.ProfileID),
			zap.String("email", profile.Email),
			zap.Error(err))
		return fmt.Errorf("failed to insert profile: %w", err)
	}

	util.Info("Profile created",
		zap.String("profile_id", profile.ProfileID),
		zap.String("email", profile.Email),
		zap.Int("profile_bucket", profile.ProfileBucket))

	return nil
}

func (r *profileRepository) Update(ctx context.Context, profile *models.Profile, prev *models.Profile) error {
	now := time.Now().UTC()
	profile.UpdatedAt = &now
	profile.ProfileBucket = r.bucketing.GetProfileBucket(profile.ProfileID)

	if prev != nil && prev.Email != profile.Email {
		if err := r.claimEmail(ctx, profile.Email, profile.ProfileID); err != nil {
			return err
		}
		r.releaseEmail(ctx, prev.Email)
	}

	if prev != nil && prev.ExternalSubjectID != profile.ExternalSubjectID && profile.ExternalSubjectID != "" {
		if err := r.claimSubject(ctx, profile.ExternalSubjectID, profile.ProfileID); err != nil {
			return err
		}
		if prev.ExternalSubjectID != "" {
			r.releaseSubject(ctx, prev.ExternalSubjectID)
		}
	}

	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(r.client.Prepared.UpdateProfile,
		profile.FirstName, profile.LastName, profile.Email, profile.Phone,
		profile.ExternalSubjectID, profile.Address, profile.City, profile.State,
		profile.TenthPercentage, profile.TwelfthPercentage, profile.Degree,
		profile.DegreeCgpa, profile.UpdatedAt,
		profile.ProfileBucket, profile.ProfileID)

	if prev != nil && prev.Phone != profile.Phone {
		if prev.Phone != "" {
			batch.Query(r.client.Prepared.DeletePhoneIndex, prev.Phone)
		}
		if profile.Phone != "" {
			batch.Query(r.client.Prepared.InsertPhoneIndex, profile.Phone, profile.ProfileID)
		}
	}

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to update profile",
			zap.String("profile_id", profile.ProfileID),
			zap.Error(err))
		return fmt.Errorf("failed to update profile: %w", err)
	}

	return nil
}

// RebindSubject moves a subject binding onto the given profile. This is the
// only path that forcibly detaches bindings: the caller's subject id is
// detached from any profile it previously pointed at, and the profile's
// previous subject id is dropped. Callers must gate this behind proof of
// contact ownership.
func (r *profileRepository) RebindSubject(ctx context.Context, profileID, subjectID string) error {
	profile, err := r.GetByID(ctx, profileID)
	if err != nil {
		return err
	}

	// Detach the subject id from whatever profile held it before.
	if prevID, err := r.lookupIndex(ctx, r.client.Prepared.GetSubjectIndex, subjectID); err == nil && prevID != profileID {
		r.releaseSubject(ctx, subjectID)
		prevBucket := r.bucketing.GetProfileBucket(prevID)
		now := time.Now().UTC()
		if err := r.client.Session.Query(r.client.Prepared.UpdateSubject, "", now, prevBucket, prevID).
			WithContext(ctx).Exec(); err != nil {
			util.Warn("Failed to clear subject on previous profile",
				zap.String("profile_id", prevID),
				zap.Error(err))
		}
	}

	// Drop the profile's own previous binding.
	if profile.ExternalSubjectID != "" && profile.ExternalSubjectID != subjectID {
		r.releaseSubject(ctx, profile.ExternalSubjectID)
	}

	if err := r.claimSubject(ctx, subjectID, profileID); err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := r.client.Session.Query(r.client.Prepared.UpdateSubject, subjectID, now, profile.ProfileBucket, profileID).
		WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("failed to rebind subject: %w", err)
	}

	util.Info("Subject rebound",
		zap.String("profile_id", profileID),
		zap.String("subject_id", subjectID))

	return nil
}

func (r *profileRepository) GetByID(ctx context.Context, profileID string) (*models.Profile, error) {
	bucket := r.bucketing.GetProfileBucket(profileID)
	query := r.client.Session.Query(r.client.Prepared.GetProfileByID, bucket, profileID).WithContext(ctx)
	return r.scanProfile(query, "id", profileID)
}

func (r *profileRepository) GetByEmail(ctx context.Context, email string) (*models.Profile, error) {
	profileID, err := r.lookupIndex(ctx, r.client.Prepared.GetEmailIndex, email)
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, profileID)
}

// GetByPhone probes the digits-only canonical form first, then the
// historical +-prefixed form some legacy rows carry.
func (r *profileRepository) GetByPhone(ctx context.Context, phoneDigits string) (*models.Profile, error) {
	profileID, err := r.lookupIndex(ctx, r.client.Prepared.GetPhoneIndex, phoneDigits)
	if errors.Is(err, ErrNotFound) {
		profileID, err = r.lookupIndex(ctx, r.client.Prepared.GetPhoneIndex, "+"+phoneDigits)
	}
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, profileID)
}

func (r *profileRepository) GetBySubject(ctx context.Context, subjectID string) (*models.Profile, error) {
	profileID, err := r.lookupIndex(ctx, r.client.Prepared.GetSubjectIndex, subjectID)
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, profileID)
}

func (r *profileRepository) HealthCheck(ctx context.Context) error {
	if err := r.client.HealthCheck(); err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}
	return nil
}

// claimEmail applies the email uniqueness constraint with a lightweight
// transaction. A lost claim surfaces as ErrDuplicate.
func (r *profileRepository) claimEmail(ctx context.Context, email, profileID string) error {
	applied, err := r.applyClaim(ctx, r.client.Prepared.InsertEmailIndex, email, profileID)
	if err != nil {
		return fmt.Errorf("failed to claim email: %w", err)
	}
	if !applied {
		return fmt.Errorf("%w: email %s", ErrDuplicate, email)
	}
	return nil
}

func (r *profileRepository) claimSubject(ctx context.Context, subjectID, profileID string) error {
	applied, err := r.applyClaim(ctx, r.client.Prepared.InsertSubjectIndex, subjectID, profileID)
	if err != nil {
		return fmt.Errorf("failed to claim subject id: %w", err)
	}
	if !applied {
		return fmt.Errorf("%w: subject id already bound", ErrDuplicate)
	}
	return nil
}

func (r *profileRepository) applyClaim(ctx context.Context, stmt, key, profileID string) (bool, error) {
	var existingKey, existingID string
	applied, err := r.client.Session.Query(stmt, key, profileID).
		WithContext(ctx).ScanCAS(&existingKey, &existingID)
	if err != nil {
		return false, err
	}
	// A claim already held by the same profile is idempotent.
	if !applied && existingID == profileID {
		return true, nil
	}
	return applied, nil
}

func (r *profileRepository) releaseEmail(ctx context.Context, email string) {
	if err := r.client.Session.Query(r.client.Prepared.DeleteEmailIndex, email).WithContext(ctx).Exec(); err != nil {
		util.Warn("Failed to release email claim", zap.String("email", email), zap.Error(err))
	}
}

func (r *profileRepository) releaseSubject(ctx context.Context, subjectID string) {
	if err := r.client.Session.Query(r.client.Prepared.DeleteSubjectIndex, subjectID).WithContext(ctx).Exec(); err != nil {
		util.Warn("Failed to release subject claim", zap.String("subject_id", subjectID), zap.Error(err))
	}
}

func (r *profileRepository) lookupIndex(ctx context.Context, stmt, key string) (string, error) {
	var profileID string
	query := r.client.Session.Query(stmt, key).WithContext(ctx)
	err := r.client.ScanWithRetry(query, &profileID)
	if err != nil {
		if err == gocql.ErrNotFound {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("index lookup failed: %w", err)
	}
	return profileID, nil
}

func (r *profileRepository) scanProfile(query *gocql.Query, keyKind, key string) (*models.Profile, error) {
	profile := &models.Profile{}
	err := r.client.ScanWithRetry(query,
		&profile.ProfileBucket, &profile.ProfileID, &profile.FirstName, &profile.LastName,
		&profile.Email, &profile.Phone, &profile.ExternalSubjectID, &profile.Address,
		&profile.City, &profile.State, &profile.TenthPercentage, &profile.TwelfthPercentage,
		&profile.Degree, &profile.DegreeCgpa, &profile.CreatedAt, &profile.UpdatedAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrNotFound
		}
		util.Error("Failed to get profile",
			zap.String(keyKind, key),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get profile by %s: %w", keyKind, err)
	}
	return profile, nil
}

func (r *profileRepository) profileValues(p *models.Profile) []interface{} {
	return []interface{}{
		p.ProfileBucket, p.ProfileID, p.FirstName, p.LastName, p.Email, p.Phone,
		p.ExternalSubjectID, p.Address, p.City, p.State, p.TenthPercentage,
		p.TwelfthPercentage, p.Degree, p.DegreeCgpa, p.CreatedAt, p.UpdatedAt,
	}
}
