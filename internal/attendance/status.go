package attendance

// SyncStatus is the sync lifecycle of an Event.
type SyncStatus string

const (
	StatusPending   SyncStatus = "pending"
	StatusSubmitted SyncStatus = "submitted"
	StatusConfirmed SyncStatus = "confirmed"
	StatusFailed    SyncStatus = "failed"
	StatusPurged    SyncStatus = "purged"
)

// transitions lists every legal edge. failed -> pending is the manual
// re-queue; * -> purged belongs to the sweeper.
var transitions = map[SyncStatus][]SyncStatus{
	StatusPending:   {StatusSubmitted},
	StatusSubmitted: {StatusConfirmed, StatusPending, StatusFailed},
	StatusFailed:    {StatusPending, StatusPurged},
	StatusConfirmed: {StatusPurged},
}

// Valid reports whether s is a known status.
func (s SyncStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSubmitted, StatusConfirmed, StatusFailed, StatusPurged:
		return true
	}
	return false
}

// Terminal reports whether no automatic transition leaves s.
func (s SyncStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed || s == StatusPurged
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to SyncStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a *TransitionError when from -> to is illegal.
func CheckTransition(id string, from, to SyncStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return &TransitionError{EventID: id, From: from, To: to}
}

// ParseStatus converts s into a SyncStatus, reporting false for unknown values.
func ParseStatus(s string) (SyncStatus, bool) {
	st := SyncStatus(s)
	return st, st.Valid()
}
