package notifier

import (
	"errors"
	"fmt"
	"strings"

	"chorebot/internal/chore"
	kit "chorebot/internal/transport"
)

// ActionData encodes a button press payload: "<kind>|<instance id>".
func ActionData(kind chore.EventKind, instanceID string) string {
	return string(kind) + "|" + instanceID
}

// ParseActionData decodes a button press payload produced by ActionData.
func ParseActionData(data string) (chore.EventKind, string, error) {
	kind, id, ok := strings.Cut(data, "|")
	if !ok || id == "" {
		return "", "", errors.New("malformed action data")
	}
	switch k := chore.EventKind(kind); k {
	case chore.EventComplete, chore.EventPostpone, chore.EventConfirm, chore.EventReject:
		return k, id, nil
	default:
		return "", "", fmt.Errorf("unknown action %q", kind)
	}
}

func reactionButtons(instanceID string) [][]kit.Button {
	return [][]kit.Button{{
		{Text: "Done ✅", Data: ActionData(chore.EventComplete, instanceID)},
		{Text: "Postpone ⏰", Data: ActionData(chore.EventPostpone, instanceID)},
	}}
}

func verifyButtons(instanceID string) [][]kit.Button {
	return [][]kit.Button{{
		{Text: "Confirm ✅", Data: ActionData(chore.EventConfirm, instanceID)},
		{Text: "Reject ❌", Data: ActionData(chore.EventReject, instanceID)},
	}}
}

func reminderText(def *chore.Definition) string {
	return fmt.Sprintf("🧹 Chore reminder: %s\n(%s)", def.Name, def.Rule.Describe(def.TimeOfDay))
}

func verificationText(def *chore.Definition) string {
	return fmt.Sprintf("🔍 %q was marked as done. Can someone confirm?", def.Name)
}

func rejectionText(def *chore.Definition) string {
	return fmt.Sprintf("❌ Completion of %q was rejected. You'll be reminded again shortly.", def.Name)
}

func followUpText(def *chore.Definition, inst *chore.Instance) string {
	return fmt.Sprintf("🔁 Follow-up #%d: %s still needs doing.", inst.FollowUps, def.Name)
}

func completionText(def *chore.Definition) string {
	next := def.NextFireAt.Format("Mon Jan 2 at 15:04")
	return fmt.Sprintf("✅ %s is done and verified. Next reminder: %s.", def.Name, next)
}
