package attendance

import (
	"fmt"
	"time"
)

// EventClass partitions sync work. Classes are synced by independent jobs
// and never share rows.
type EventClass string

const (
	ClassAttendance EventClass = "attendance"
	ClassReference  EventClass = "reference"
)

// Event is one admitted recognition outcome awaiting or past sync.
type Event struct {
	ID            string     `json:"id"`
	Class         EventClass `json:"class"`
	SubjectID     string     `json:"subject_id"`
	DeviceID      string     `json:"device_id"`
	CapturedAt    time.Time  `json:"captured_at"`
	Confidence    float64    `json:"confidence"`
	Status        SyncStatus `json:"status"`
	RemoteID      string     `json:"remote_id,omitempty"`
	ErrorDetail   string     `json:"error_detail,omitempty"`
	RetryCount    int        `json:"retry_count"`
	NextAttemptAt time.Time  `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Payload is what leaves the device for validation and remote commit.
type Payload struct {
	EventID    string    `json:"event_id"`
	SubjectID  string    `json:"subject_id"`
	DeviceID   string    `json:"device_id"`
	CapturedAt time.Time `json:"captured_at"`
	Confidence float64   `json:"confidence"`
}

// Payload returns the wire payload for e.
func (e Event) Payload() Payload {
	return Payload{
		EventID:    e.ID,
		SubjectID:  e.SubjectID,
		DeviceID:   e.DeviceID,
		CapturedAt: e.CapturedAt.UTC(),
		Confidence: e.Confidence,
	}
}

// AttemptOutcome labels one audit row.
type AttemptOutcome string

const (
	OutcomeConfirmed AttemptOutcome = "confirmed"
	OutcomeRetry     AttemptOutcome = "retry"
	OutcomeFailed    AttemptOutcome = "failed"
	OutcomeRejected  AttemptOutcome = "rejected"
	OutcomeRecovered AttemptOutcome = "recovered"
	OutcomeRequeued  AttemptOutcome = "requeued"
)

// SyncLogEntry is one append-only audit row.
type SyncLogEntry struct {
	ID           string         `json:"id"`
	EventID      string         `json:"event_id"`
	AttemptedAt  time.Time      `json:"attempted_at"`
	Outcome      AttemptOutcome `json:"outcome"`
	ErrorMessage string         `json:"error_message,omitempty"`
	RetryCount   int            `json:"retry_count"`
}

// Subject is a known individual mirrored from the remote store.
// Subjects are deactivated, never deleted.
type Subject struct {
	ID          string      `json:"id"`
	DisplayName string      `json:"display_name"`
	Embeddings  [][]float32 `json:"embeddings,omitempty"`
	Active      bool        `json:"active"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Device identifies the capture endpoint.
type Device struct {
	ID         string            `json:"id"`
	LastSeenAt time.Time         `json:"last_seen_at"`
	Config     map[string]string `json:"config,omitempty"`
}

// NewEventID builds a globally unique event id from the device id, the
// device's durable admission counter and the capture time.
func NewEventID(deviceID string, counter int64, capturedAt time.Time) string {
	return fmt.Sprintf("%s-%010d-%d", deviceID, counter, capturedAt.UTC().UnixMilli())
}
