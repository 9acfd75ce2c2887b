package dualwrite

import (
	"usagetrail/pkg/domain"
)

// State is the position of one record in the dual-write state machine.
//
//	Pending -> MetricsWritten -> Complete
//	Pending -> Failed(metrics)
//	MetricsWritten -> Failed(audit)
//
// Failed is terminal for the coordinator but not for the bus: the delivery
// stays unacknowledged and the whole pipeline runs again on redelivery.
type State string

const (
	StatePending        State = "pending"
	StateMetricsWritten State = "metrics_written"
	StateComplete       State = "complete"
	StateFailed         State = "failed"
)

func (s State) String() string { return string(s) }

// Store names one side of the dual write.
type Store string

const (
	StoreMetrics Store = "metrics"
	StoreAudit   Store = "audit"
)

func (s Store) String() string { return string(s) }

// Outcome is the end state of one Write call.
type Outcome struct {
	RecordID domain.EventID
	State    State
	// FailedStore is set only when State is StateFailed.
	FailedStore Store
	Err         error
	// Path lists every state the record went through, starting with
	// StatePending.
	Path []State
}

// Acknowledge reports whether the delivery that produced the record may be
// acknowledged: both stores accepted it.
func (o Outcome) Acknowledge() bool {
	return o.State == StateComplete
}

func (o *Outcome) enter(s State) {
	o.State = s
	o.Path = append(o.Path, s)
}

func (o *Outcome) fail(store Store, err error) {
	o.enter(StateFailed)
	o.FailedStore = store
	o.Err = err
}
