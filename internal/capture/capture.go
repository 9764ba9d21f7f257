// Package capture turns recognition candidates arriving from capture stations
// into Dedup Guard admissions.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"attendsync/internal/attendance"
	"attendsync/internal/errs"
	"attendsync/internal/faceclient"
	"attendsync/internal/logging"
	"attendsync/internal/queue"
)

// SubjectSource lists the enrolled subjects a probe is matched against.
type SubjectSource interface {
	ListSubjects(ctx context.Context, activeOnly bool) ([]attendance.Subject, error)
}

// Matcher identifies a probe embedding among candidates.
type Matcher interface {
	Compare(ctx context.Context, probe []float32, candidates []faceclient.Candidate) (faceclient.Match, error)
}

// Admitter is the Dedup Guard.
type Admitter interface {
	Admit(ctx context.Context, c attendance.Candidate) (attendance.Decision, error)
}

// Handler processes candidate messages.
type Handler struct {
	subjects SubjectSource
	matcher  Matcher
	guard    Admitter
	deviceID string
}

// NewHandler builds a handler. deviceID is used when a message omits one.
func NewHandler(subjects SubjectSource, matcher Matcher, guard Admitter, deviceID string) *Handler {
	return &Handler{subjects: subjects, matcher: matcher, guard: guard, deviceID: deviceID}
}

// Handle decodes a TypeCandidate message and runs it through matching and
// admission. A probe matching nobody returns a zero Decision and no error.
func (h *Handler) Handle(ctx context.Context, msg queue.Message) (attendance.Decision, error) {
	if msg.Type != queue.TypeCandidate {
		return attendance.Decision{}, fmt.Errorf("capture: unexpected message type %q", msg.Type)
	}
	var body queue.CandidateBody
	if err := msg.Decode(&body); err != nil {
		return attendance.Decision{}, errs.Wrap(err, "decode candidate")
	}
	ctx = logging.WithAttrs(ctx, slog.String("message_id", msg.ID))
	return h.Process(ctx, body)
}

// Process matches one probe and admits the best match.
func (h *Handler) Process(ctx context.Context, body queue.CandidateBody) (attendance.Decision, error) {
	deviceID := strings.TrimSpace(body.DeviceID)
	if deviceID == "" {
		deviceID = h.deviceID
	}

	subjects, err := h.subjects.ListSubjects(ctx, true)
	if err != nil {
		return attendance.Decision{}, errs.Wrap(err, "list active subjects")
	}
	gallery := make([]faceclient.Candidate, 0, len(subjects))
	for _, s := range subjects {
		if len(s.Embeddings) == 0 {
			continue
		}
		gallery = append(gallery, faceclient.Candidate{SubjectID: s.ID, Embeddings: s.Embeddings})
	}

	match, err := h.matcher.Compare(ctx, body.Embedding, gallery)
	if errors.Is(err, faceclient.ErrNoMatch) {
		logging.Debug(ctx, "probe matched no subject", slog.String("device_id", deviceID))
		return attendance.Decision{}, nil
	}
	if err != nil {
		return attendance.Decision{}, errs.Wrap(err, "match probe")
	}

	return h.guard.Admit(ctx, attendance.Candidate{
		SubjectID:  match.SubjectID,
		DeviceID:   deviceID,
		CapturedAt: body.CapturedAt,
		Confidence: match.Confidence,
	})
}
