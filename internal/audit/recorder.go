package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/client"
	"identity-service/internal/util"
)

// Decision is one reconciliation outcome for the analytics trail. It never
// carries one-time codes or token material.
type Decision struct {
	SubjectID  string
	ProfileID  string
	Email      string
	Phone      string
	Outcome    string
	ConflictOn string
	OccurredAt time.Time
}

// Recorder writes identity decisions to the analytics store. All writes are
// best effort; a failed insert is logged and dropped so the request path
// never blocks on analytics.
type Recorder interface {
	Record(ctx context.Context, decision Decision)
}

type clickhouseRecorder struct {
	client *client.ClickHouseClient
}

const insertDecisionQuery = `
	INSERT INTO identity_decisions
		(subject_id, profile_id, email, phone, outcome, conflict_on, occurred_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

func NewClickhouseRecorder(chClient *client.ClickHouseClient) Recorder {
	return &clickhouseRecorder{client: chClient}
}

func (r *clickhouseRecorder) Record(ctx context.Context, decision Decision) {
	if decision.OccurredAt.IsZero() {
		decision.OccurredAt = time.Now().UTC()
	}

	err := r.client.Exec(ctx, insertDecisionQuery,
		decision.SubjectID, decision.ProfileID, decision.Email, decision.Phone,
		decision.Outcome, decision.ConflictOn, decision.OccurredAt)
	if err != nil {
		util.Warn("Failed to record identity decision",
			zap.String("outcome", decision.Outcome),
			zap.Error(err))
		return
	}

	util.Debug("Identity decision recorded",
		zap.String("outcome", decision.Outcome),
		zap.String("profile_id", decision.ProfileID))
}

// noopRecorder is used when no analytics store is configured.
type noopRecorder struct{}

func NewNoopRecorder() Recorder { return noopRecorder{} }

func (noopRecorder) Record(context.Context, Decision) {}
