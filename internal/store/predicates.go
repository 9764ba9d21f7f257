package store

import (
	"strings"

	"attendsync/internal/attendance"
)

// Status predicates shared by admission, reconciliation, retention and
// dashboard queries. Every component filters through these so "non-purged"
// and "terminal" mean the same thing everywhere.
var (
	// predNonPurged selects events that still count for the dedup window.
	predNonPurged = "status <> " + quote(attendance.StatusPurged)

	// predPurgeable selects events the sweeper may move to purged.
	predPurgeable = "status IN (" + quoteAll(attendance.StatusConfirmed, attendance.StatusFailed) + ")"

	// predTerminal selects events the sweeper may delete. pending and
	// submitted never match, whatever their age.
	predTerminal = "status IN (" + quoteAll(attendance.StatusConfirmed, attendance.StatusFailed, attendance.StatusPurged) + ")"

	// predInFlight selects events not yet settled with the remote side.
	predInFlight = "status IN (" + quoteAll(attendance.StatusPending, attendance.StatusSubmitted) + ")"

	// predDue selects pending events whose backoff has elapsed; binds now.
	predDue = "status = " + quote(attendance.StatusPending) + " AND next_attempt_at <= ?"

	// predActiveSubject selects subjects that have not been deactivated.
	predActiveSubject = "active = 1"
)

func quote(s attendance.SyncStatus) string {
	return "'" + string(s) + "'"
}

func quoteAll(statuses ...attendance.SyncStatus) string {
	parts := make([]string, len(statuses))
	for i, s := range statuses {
		parts[i] = quote(s)
	}
	return strings.Join(parts, ",")
}
