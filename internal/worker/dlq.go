package worker

// dlq.go: dead letters.
// Jobs that exhausted their retries, or failed in a way no retry can fix,
// are mirrored onto dlq:{queue} for operators. For fiscal jobs the postgres
// row stays the record of truth and POST /v1/fiscal/jobs/:id/retry revives
// it; the list only feeds alerting and GET /v1/fiscal/dlq/size.

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
)

const DLQPrefix = "dlq:"

// DeadLetter is one entry of a DLQ list.
type DeadLetter struct {
	Queue     string          `json:"queue"`
	JobType   string          `json:"job_type"`
	JobID     string          `json:"job_id,omitempty"`
	Provider  string          `json:"provider,omitempty"`
	Operation string          `json:"operation,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Reason    string          `json:"reason"`
	Attempts  int             `json:"attempts"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	FailedAt  time.Time       `json:"failed_at"`
}

// SendToDLQ appends d to dlq:{d.Queue}. Failures are only logged: by the
// time a job is dead-lettered its state is already persisted.
func SendToDLQ(ctx context.Context, q Queue, d DeadLetter) {
	if q == nil {
		return
	}
	if d.FailedAt.IsZero() {
		d.FailedAt = time.Now().UTC()
	}
	logger := log.With().Str("queue", d.Queue).Str("job_type", d.JobType).Str("job_id", d.JobID).Logger()

	data, err := json.Marshal(d)
	if err != nil {
		logger.Error().Err(err).Msg("dlq: failed to marshal entry")
		return
	}
	if err := q.Push(ctx, DLQPrefix+d.Queue, data); err != nil {
		logger.Error().Err(err).Msg("dlq: push failed")
		return
	}
	logger.Warn().Str("error_kind", d.ErrorKind).Str("reason", d.Reason).Int("attempts", d.Attempts).Msg("dlq: job dead-lettered")
}

// DLQLength is the number of entries waiting on dlq:{queue}.
func DLQLength(ctx context.Context, q Queue, queue string) (int64, error) {
	return q.Len(ctx, DLQPrefix+queue)
}
