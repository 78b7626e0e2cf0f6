package health

import "time"

type State string

const (
	StateOK       State = "OK"
	StateStale    State = "STALE"
	StateDegraded State = "DEGRADED"
)

type NotificationKind string

const (
	KindTransition NotificationKind = "TRANSITION"
	KindDisconnect NotificationKind = "STREAM_DISCONNECTED"
	KindReconnect  NotificationKind = "STREAM_RECONNECTED"
	KindBarGap     NotificationKind = "BAR_GAP"
	KindCrosscheck NotificationKind = "CROSSCHECK_MISMATCH"
)

// Notification is the machine-readable record handed to operator collaborators.
type Notification struct {
	Kind   NotificationKind `json:"kind"`
	Symbol string           `json:"symbol,omitempty"`
	From   State            `json:"from,omitempty"`
	To     State            `json:"to,omitempty"`
	At     time.Time        `json:"at"`
	Reason string           `json:"reason,omitempty"`
}

type Notifier func(Notification)

// SymbolReport is one row of Snapshot.
type SymbolReport struct {
	Symbol         string    `json:"symbol"`
	State          State     `json:"state"`
	LastEventAt    time.Time `json:"last_event_at"`
	LastIngestAt   time.Time `json:"last_ingest_at"`
	LastTransition time.Time `json:"last_transition"`
	LastPrice      float64   `json:"last_price"`
	Latency        Latency   `json:"latency"`
}
