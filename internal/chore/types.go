// Package chore holds the reminder domain model and the verification state
// machine that moves a chore occurrence from reminder to peer-verified
// completion.
package chore

import (
	"time"

	"chorebot/internal/recurrence"
)

// Definition is a standing recurring-reminder configuration owned by a user.
// Chore names are unique per owner.
type Definition struct {
	ID      int64
	OwnerID int64
	Name    string

	Rule      recurrence.Rule
	TimeOfDay recurrence.TimeOfDay

	// ChatID is where reminders are sent; ConfirmChatID (0 = same chat) is
	// where peer verification requests go.
	ChatID        int64
	ConfirmChatID int64

	// NextFireAt is the next scheduled occurrence. It advances when a cycle
	// completes (instance verified) and is authoritative across restarts.
	NextFireAt time.Time

	// PausedUntil suppresses new occurrences until it elapses. Zero = not paused.
	PausedUntil time.Time

	CreatedAt time.Time
}

// Paused reports whether the definition is inside a pause window.
func (d *Definition) Paused(now time.Time) bool {
	return !d.PausedUntil.IsZero() && now.Before(d.PausedUntil)
}

// ConfirmChat returns the chat verification requests should go to.
func (d *Definition) ConfirmChat() int64 {
	if d.ConfirmChatID != 0 {
		return d.ConfirmChatID
	}
	return d.ChatID
}

// State is the lifecycle state of a single chore occurrence.
type State string

const (
	// StatePending: reminder sent, awaiting the owner's reaction.
	StatePending State = "pending"
	// StateAwaitingVerification: owner claimed completion, peers notified.
	StateAwaitingVerification State = "awaiting_verification"
	// StateFollowUpPending: a peer rejected the claim; a deferred re-reminder
	// is armed.
	StateFollowUpPending State = "follow_up_pending"
	// StateVerified: terminal. A fresh instance is spawned for the next cycle.
	StateVerified State = "verified"
)

// Terminal reports whether the state ends the instance's lifecycle.
func (s State) Terminal() bool { return s == StateVerified }

// Instance is one occurrence of a Definition moving through the verification
// lifecycle. At most one non-terminal Instance exists per Definition.
type Instance struct {
	ID           string
	DefinitionID int64
	State        State

	CreatedAt time.Time

	// DueAt is the instance's single armed wake-up: the next re-reminder,
	// follow-up, or verification nag, depending on State.
	DueAt time.Time

	ClaimedAt  time.Time // zero until the owner marks complete
	ResolvedAt time.Time // zero until verified

	// FollowUps counts peer rejections within this cycle.
	FollowUps int

	// Message ids of the outstanding reminder and verification messages in the
	// transport, used to edit/reference them. 0 = none.
	ReminderMsgID int
	VerifyMsgID   int
}

// EventKind identifies an inbound reaction.
type EventKind string

const (
	// EventComplete: the owner marked the chore done.
	EventComplete EventKind = "complete"
	// EventPostpone: the owner asked to be reminded later.
	EventPostpone EventKind = "postpone"
	// EventConfirm: a peer confirmed the claimed completion.
	EventConfirm EventKind = "confirm"
	// EventReject: a peer rejected the claimed completion.
	EventReject EventKind = "reject"
)

// Event is a typed inbound reaction referencing a chore instance.
type Event struct {
	InstanceID string
	Kind       EventKind
	ActorID    int64
	At         time.Time
}
