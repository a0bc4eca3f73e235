package chore

import (
	"errors"
	"fmt"
	"time"
)

// ErrStaleEvent marks an event that references an instance not in a state
// where the event is valid (late reactions, double-clicks, reactions on a
// superseded message). Callers log and discard it; it is never fatal.
var ErrStaleEvent = errors.New("stale event")

// Delays groups the fixed deferral intervals of the state machine.
type Delays struct {
	// Postpone is how far an owner's "not now" pushes the reminder. Default 1h.
	Postpone time.Duration
	// FollowUp is the deferral after a peer rejection. Default 1h.
	FollowUp time.Duration
	// Renotify is the cadence for idempotent resends while an instance sits
	// in Pending or AwaitingVerification with no reaction. Default 1h.
	Renotify time.Duration
}

// WithDefaults fills zero fields with the standard one-hour intervals.
func (d Delays) WithDefaults() Delays {
	if d.Postpone <= 0 {
		d.Postpone = time.Hour
	}
	if d.FollowUp <= 0 {
		d.FollowUp = time.Hour
	}
	if d.Renotify <= 0 {
		d.Renotify = time.Hour
	}
	return d
}

// Effect tells the caller which outbound notification a transition produced.
// Persisting the mutated instance and performing the dispatch are the
// caller's job; a dispatch failure must not undo the transition.
type Effect int

const (
	EffectNone Effect = iota
	// EffectSendReminder: (re)send the reminder message.
	EffectSendReminder
	// EffectSendVerification: ask the peer set to confirm completion.
	EffectSendVerification
	// EffectSendRejection: tell the owner a peer rejected the claim.
	EffectSendRejection
	// EffectSendFollowUp: deferred re-reminder after a rejection.
	EffectSendFollowUp
	// EffectSendCompletion: announce the verified completion. The caller also
	// advances the definition to its next cycle.
	EffectSendCompletion
)

// NewInstance returns a fresh Pending instance for a definition occurrence.
// The wake-up is armed at now+renotify; the caller dispatches the initial
// reminder itself.
func NewInstance(id string, defID int64, now time.Time, d Delays) *Instance {
	d = d.WithDefaults()
	return &Instance{
		ID:           id,
		DefinitionID: defID,
		State:        StatePending,
		CreatedAt:    now,
		DueAt:        now.Add(d.Renotify),
	}
}

// Apply runs one inbound event through the transition table, mutating the
// instance in place. It returns ErrStaleEvent (instance untouched) when the
// event is not valid in the current state.
//
//	Pending              + complete -> AwaitingVerification (send verification)
//	Pending              + postpone -> Pending, due = now+postpone
//	AwaitingVerification + confirm  -> Verified (send completion; next cycle)
//	AwaitingVerification + reject   -> FollowUpPending, due = now+followUp (send rejection)
func Apply(inst *Instance, ev Event, now time.Time, d Delays) (Effect, error) {
	d = d.WithDefaults()

	switch inst.State {
	case StatePending:
		switch ev.Kind {
		case EventComplete:
			inst.State = StateAwaitingVerification
			inst.ClaimedAt = now
			inst.DueAt = now.Add(d.Renotify)
			return EffectSendVerification, nil
		case EventPostpone:
			inst.DueAt = now.Add(d.Postpone)
			return EffectNone, nil
		}

	case StateAwaitingVerification:
		switch ev.Kind {
		case EventConfirm:
			inst.State = StateVerified
			inst.ResolvedAt = now
			return EffectSendCompletion, nil
		case EventReject:
			inst.State = StateFollowUpPending
			inst.DueAt = now.Add(d.FollowUp)
			inst.VerifyMsgID = 0
			return EffectSendRejection, nil
		}
	}

	return EffectNone, fmt.Errorf("%w: %s on instance %s in state %s",
		ErrStaleEvent, ev.Kind, inst.ID, inst.State)
}

// Wake fires the instance's armed wake-up, mutating it in place:
//
//	Pending              -> Pending (idempotent resend, wake-up re-armed)
//	AwaitingVerification -> AwaitingVerification (verification nag, re-armed)
//	FollowUpPending      -> Pending (deferred follow-up reminder)
//
// A wake-up on a terminal instance is stale (e.g. verified just before the
// tick observed the old due time).
func Wake(inst *Instance, now time.Time, d Delays) (Effect, error) {
	d = d.WithDefaults()

	switch inst.State {
	case StatePending:
		inst.DueAt = now.Add(d.Renotify)
		return EffectSendReminder, nil
	case StateAwaitingVerification:
		inst.DueAt = now.Add(d.Renotify)
		return EffectSendVerification, nil
	case StateFollowUpPending:
		inst.State = StatePending
		inst.FollowUps++
		inst.DueAt = now.Add(d.Renotify)
		return EffectSendFollowUp, nil
	}

	return EffectNone, fmt.Errorf("%w: wake-up on instance %s in state %s",
		ErrStaleEvent, inst.ID, inst.State)
}
