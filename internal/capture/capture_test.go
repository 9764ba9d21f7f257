package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendsync/internal/attendance"
	"attendsync/internal/faceclient"
	"attendsync/internal/queue"
)

type fakeSubjects struct {
	subjects []attendance.Subject
	err      error
}

func (f fakeSubjects) ListSubjects(_ context.Context, activeOnly bool) ([]attendance.Subject, error) {
	if !activeOnly {
		return nil, errors.New("expected active-only listing")
	}
	return f.subjects, f.err
}

type recordingGuard struct {
	got []attendance.Candidate
}

func (g *recordingGuard) Admit(_ context.Context, c attendance.Candidate) (attendance.Decision, error) {
	g.got = append(g.got, c)
	return attendance.Decision{Admitted: true, Event: attendance.Event{SubjectID: c.SubjectID}}, nil
}

var subjects = fakeSubjects{subjects: []attendance.Subject{
	{ID: "alice", Active: true, Embeddings: [][]float32{{1, 0, 0}}},
	{ID: "bob", Active: true, Embeddings: [][]float32{{0, 1, 0}}},
	{ID: "carol", Active: true},
}}

func candidateMessage(t *testing.T, body queue.CandidateBody) queue.Message {
	t.Helper()
	msg, err := queue.NewMessage(queue.TypeCandidate, body)
	require.NoError(t, err)
	return msg
}

func TestHandleAdmitsBestMatch(t *testing.T) {
	guard := &recordingGuard{}
	h := NewHandler(subjects, faceclient.New("", true), guard, "dev-default")

	at := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	d, err := h.Handle(context.Background(), candidateMessage(t, queue.CandidateBody{
		CapturedAt: at,
		Embedding:  []float32{0, 1, 0},
	}))
	require.NoError(t, err)
	assert.True(t, d.Admitted)

	require.Len(t, guard.got, 1)
	assert.Equal(t, "bob", guard.got[0].SubjectID)
	assert.Equal(t, "dev-default", guard.got[0].DeviceID)
	assert.True(t, at.Equal(guard.got[0].CapturedAt))
	assert.InDelta(t, 100, guard.got[0].Confidence, 1e-9)
}

func TestHandleNoMatchIsSilent(t *testing.T) {
	guard := &recordingGuard{}
	h := NewHandler(fakeSubjects{}, faceclient.New("", true), guard, "dev-1")

	d, err := h.Handle(context.Background(), candidateMessage(t, queue.CandidateBody{
		DeviceID:  "dev-1",
		Embedding: []float32{1, 0, 0},
	}))
	require.NoError(t, err)
	assert.False(t, d.Admitted)
	assert.Empty(t, guard.got)
}

func TestHandleRejectsOtherTypes(t *testing.T) {
	h := NewHandler(subjects, faceclient.New("", true), &recordingGuard{}, "dev-1")
	msg, err := queue.NewMessage(queue.TypeSync, queue.SyncBody{Job: "attendance"})
	require.NoError(t, err)

	_, err = h.Handle(context.Background(), msg)
	assert.Error(t, err)
}

func TestHandleSubjectListFailure(t *testing.T) {
	boom := errors.New("disk gone")
	h := NewHandler(fakeSubjects{err: boom}, faceclient.New("", true), &recordingGuard{}, "dev-1")

	_, err := h.Handle(context.Background(), candidateMessage(t, queue.CandidateBody{Embedding: []float32{1}}))
	assert.ErrorIs(t, err, boom)
}
