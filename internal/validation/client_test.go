package validation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendsync/internal/attendance"
)

var payload = attendance.Payload{
	EventID:    "dev-1-0000000001-1772438400000",
	SubjectID:  "s-1",
	DeviceID:   "dev-1",
	CapturedAt: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
	Confidence: 96,
}

func TestValidateSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/attendance/validate", r.URL.Path)
		assert.Equal(t, payload.EventID, r.Header.Get("Idempotency-Key"))

		var got attendance.Payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, payload.SubjectID, got.SubjectID)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"remote_id":"R1"}`))
	}))
	defer srv.Close()

	remoteID, err := New(srv.URL, time.Second, false).Validate(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, "R1", remoteID)
}

func TestValidateClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		transient bool
		reason    string
	}{
		{"unprocessable", http.StatusUnprocessableEntity, `{"reason":"subject not enrolled"}`, false, "subject not enrolled"},
		{"bad request text", http.StatusBadRequest, "bad payload", false, "bad payload"},
		{"explicit reject", http.StatusOK, `{"accepted":false,"reason":"outside schedule"}`, false, "outside schedule"},
		{"server error", http.StatusBadGateway, "", true, ""},
		{"throttled", http.StatusTooManyRequests, "", true, ""},
		{"missing id", http.StatusOK, `{}`, true, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := New(srv.URL, time.Second, false).Validate(context.Background(), payload)
			require.Error(t, err)
			assert.Equal(t, tc.transient, attendance.IsTransient(err))
			assert.Equal(t, !tc.transient, attendance.IsPermanent(err))
			if tc.reason != "" {
				assert.Contains(t, err.Error(), tc.reason)
			}
		})
	}
}

func TestValidateTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := New(srv.URL, 50*time.Millisecond, false).Validate(context.Background(), payload)
	require.Error(t, err)
	assert.True(t, attendance.IsTransient(err))
}

func TestValidateConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url, time.Second, false).Validate(context.Background(), payload)
	require.Error(t, err)
	assert.True(t, attendance.IsTransient(err))
}

func TestValidateSkipIsDeterministic(t *testing.T) {
	c := New("", time.Second, true)
	a, err := c.Validate(context.Background(), payload)
	require.NoError(t, err)
	b, err := c.Validate(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NoError(t, c.Health(context.Background()))
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	assert.NoError(t, New(srv.URL, time.Second, false).Health(context.Background()))
}
