package reconciler

import (
	"time"

	"github.com/bwmarrin/snowflake"
	ierr "github.com/smallbiznis/quotaengine/internal/errors"
)

const (
	stageDeactivate = "deactivate"
	stageClaim      = "claim"
	stageEvaluate   = "evaluate"
	stageCascade    = "cascade"
	stageMark       = "mark_cascaded"
)

// Failure is one grant whose sweep did not complete. The grant stays
// pending and is repaired by a later sweep once its lease lapses.
type Failure struct {
	GrantID     snowflake.ID `json:"grant_id"`
	PrincipalID snowflake.ID `json:"principal_id"`
	Stage       string       `json:"stage"`
	Err         error        `json:"-"`
	Message     string       `json:"message"`
}

type SweepReport struct {
	RunID       string    `json:"run_id"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Now         time.Time `json:"now"`
	Candidates  int       `json:"candidates"`
	Deactivated int       `json:"deactivated"`
	Cascaded    int       `json:"cascaded"`
	Retained    int       `json:"retained"`
	Repaired    int       `json:"repaired"`
	Skipped     int       `json:"skipped"`
	// LockSkipped is set when another sweep held the cluster lock.
	LockSkipped bool      `json:"lock_skipped"`
	Failures    []Failure `json:"failures"`
}

func (r *SweepReport) addFailure(grantID, principalID snowflake.ID, stage string, err error) {
	if err == nil {
		return
	}
	r.Failures = append(r.Failures, Failure{
		GrantID:     grantID,
		PrincipalID: principalID,
		Stage:       stage,
		Err:         err,
		Message:     err.Error(),
	})
}

// Err returns ErrPartialCascadeFailure when any grant failed, nil otherwise.
func (r SweepReport) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	return ierr.NewErrorf("%d grant(s) left pending", len(r.Failures)).
		WithHint("pending grants are repaired by the next sweep").
		Mark(ierr.ErrPartialCascadeFailure)
}
