package notifier

import (
	"context"

	"chorebot/internal/chore"
)

// Dispatcher delivers the five message kinds the chore lifecycle produces.
// Implementations must never mutate state-machine state: a failed delivery
// is retried by the scheduler's wake-up mechanism, not by a state change.
type Dispatcher interface {
	// SendReminder posts (or re-posts) the reminder with Done/Postpone buttons.
	SendReminder(ctx context.Context, def *chore.Definition, inst *chore.Instance) error

	// SendVerificationRequest asks peers in the confirm chat to verify.
	SendVerificationRequest(ctx context.Context, def *chore.Definition, inst *chore.Instance) error

	// SendRejection tells the owner a peer rejected the completion claim.
	SendRejection(ctx context.Context, def *chore.Definition, inst *chore.Instance) error

	// SendFollowUp posts the follow-up reminder after a rejection.
	SendFollowUp(ctx context.Context, def *chore.Definition, inst *chore.Instance) error

	// SendCompletion announces the verified completion and the next occurrence.
	SendCompletion(ctx context.Context, def *chore.Definition, inst *chore.Instance) error
}
