package models

import "time"

// Profile is the durable candidate record. Email is globally unique; the
// external subject id, when set, is held by at most one profile at a time.
// Phone is stored as digits only (no leading +) and is expected-unique but
// not enforced, to tolerate historical duplicates.
type Profile struct {
	ProfileBucket     int        `db:"profile_bucket"`
	ProfileID         string     `db:"profile_id"`
	FirstName         string     `db:"first_name"`
	LastName          string     `db:"last_name"`
	Email             string     `db:"email"`
	Phone             string     `db:"phone"`
	ExternalSubjectID string     `db:"external_subject_id"`
	Address           string     `db:"address"`
	City              string     `db:"city"`
	State             string     `db:"state"`
	TenthPercentage   *float64   `db:"tenth_percentage"`
	TwelfthPercentage *float64   `db:"twelfth_percentage"`
	Degree            string     `db:"degree"`
	DegreeCgpa        *float64   `db:"degree_cgpa"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         *time.Time `db:"updated_at"`
}

// PlaceholderPhone is written by the register-first link flow when a profile
// is created from a provider-vouched email alone. A profile carrying it is
// not considered registration-complete.
const PlaceholderPhone = "0000000000"
