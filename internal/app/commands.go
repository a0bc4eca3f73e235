package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"chorebot/internal/chore"
	"chorebot/internal/config"
	"chorebot/internal/notifier"
	"chorebot/internal/recurrence"
	"chorebot/internal/scheduler"
	"chorebot/internal/storage"
	kit "chorebot/internal/transport"
	logx "chorebot/pkg/logx"
)

const helpText = `Chore reminders with peer verification.

/schedule <name> <daily|weekly|monthly> <HH:MM> [day] [confirm_chat]
    weekly needs a day (mon..sun), monthly a day of month (1-31)
/list
    your chores with the next reminder time
/delete <name>
/pause <name> [hours]
    suppress reminders, default 24h

React to a reminder with its buttons; someone else confirms the result.`

// router turns transport updates into state-machine events and storage calls.
type router struct {
	log     logx.Logger
	adapter kit.Adapter
	store   storage.Store
	sched   *scheduler.Service

	mu     sync.Mutex
	chores config.ChoresConfig
	pause  time.Duration
}

func newRouter(log logx.Logger, adapter kit.Adapter, store storage.Store, sched *scheduler.Service) *router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &router{log: log, adapter: adapter, store: store, sched: sched, pause: 24 * time.Hour}
}

func (r *router) applyChores(cfg *config.Config) {
	r.mu.Lock()
	r.chores = cfg.Chores
	r.pause = defaultPause(cfg)
	r.mu.Unlock()
}

func (r *router) choresCfg() (config.ChoresConfig, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chores, r.pause
}

func (r *router) dispatchLoop(ctx context.Context, updates <-chan kit.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-updates:
			if !ok {
				return
			}
			switch {
			case up.Kind == kit.UpdateMessage && up.Message != nil:
				r.handleMessage(ctx, up.Message)
			case up.Kind == kit.UpdateCallback && up.Callback != nil:
				r.handleCallback(ctx, up.Callback)
			}
		}
	}
}

func (r *router) reply(ctx context.Context, chatID int64, text string) {
	if _, err := r.adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, nil); err != nil {
		r.log.Warn("reply failed", logx.Int64("chat", chatID), logx.Any("err", err))
	}
}

func (r *router) handleMessage(ctx context.Context, msg *kit.Message) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	fields := strings.Fields(text)
	cmd := strings.ToLower(fields[0])
	// Group chats address commands as /cmd@botname.
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	args := fields[1:]

	switch cmd {
	case "/start", "/help":
		r.reply(ctx, msg.ChatID, helpText)
	case "/schedule":
		r.cmdSchedule(ctx, msg, args)
	case "/list":
		r.cmdList(ctx, msg)
	case "/delete":
		r.cmdDelete(ctx, msg, args)
	case "/pause":
		r.cmdPause(ctx, msg, args)
	default:
		r.reply(ctx, msg.ChatID, "Unknown command. Try /help.")
	}
}

// scheduleSpec is the parsed form of /schedule arguments.
type scheduleSpec struct {
	name        string
	rule        recurrence.Rule
	tod         recurrence.TimeOfDay
	confirmChat int64
}

var weekdayIndex = map[string]int{
	"mon": 0, "monday": 0,
	"tue": 1, "tuesday": 1,
	"wed": 2, "wednesday": 2,
	"thu": 3, "thursday": 3,
	"fri": 4, "friday": 4,
	"sat": 5, "saturday": 5,
	"sun": 6, "sunday": 6,
}

func parseScheduleArgs(args []string) (scheduleSpec, error) {
	var spec scheduleSpec
	if len(args) < 3 {
		return spec, errors.New("usage: /schedule <name> <daily|weekly|monthly> <HH:MM> [day] [confirm_chat]")
	}
	spec.name = args[0]

	kind, err := recurrence.ParseKind(args[1])
	if err != nil {
		return spec, err
	}
	spec.rule.Kind = kind

	spec.tod, err = recurrence.ParseTimeOfDay(args[2])
	if err != nil {
		return spec, err
	}

	rest := args[3:]
	switch kind {
	case recurrence.Weekly:
		if len(rest) == 0 {
			return spec, fmt.Errorf("%w: weekly schedules need a weekday (mon..sun)", recurrence.ErrInvalidDay)
		}
		day, ok := weekdayIndex[strings.ToLower(rest[0])]
		if !ok {
			return spec, fmt.Errorf("%w: unknown weekday %q", recurrence.ErrInvalidDay, rest[0])
		}
		spec.rule.Day = day
		rest = rest[1:]
	case recurrence.Monthly:
		if len(rest) == 0 {
			return spec, fmt.Errorf("%w: monthly schedules need a day of month (1-31)", recurrence.ErrInvalidDay)
		}
		day, err := strconv.Atoi(rest[0])
		if err != nil {
			return spec, fmt.Errorf("%w: %q is not a day of month", recurrence.ErrInvalidDay, rest[0])
		}
		spec.rule.Day = day
		rest = rest[1:]
	}
	if err := spec.rule.Validate(); err != nil {
		return spec, err
	}

	if len(rest) > 0 {
		chat, err := strconv.ParseInt(rest[0], 10, 64)
		if err != nil {
			return spec, fmt.Errorf("confirm_chat %q is not a chat id", rest[0])
		}
		spec.confirmChat = chat
	}
	return spec, nil
}

func (r *router) cmdSchedule(ctx context.Context, msg *kit.Message, args []string) {
	spec, err := parseScheduleArgs(args)
	if err != nil {
		r.reply(ctx, msg.ChatID, err.Error())
		return
	}
	chores, _ := r.choresCfg()
	confirm := spec.confirmChat
	if confirm == 0 {
		confirm = chores.ConfirmChatID
	}

	now := time.Now()
	def := &chore.Definition{
		OwnerID:       msg.FromID,
		Name:          spec.name,
		Rule:          spec.rule,
		TimeOfDay:     spec.tod,
		ChatID:        msg.ChatID,
		ConfirmChatID: confirm,
		CreatedAt:     now,
	}
	def.NextFireAt = r.sched.NextOccurrence(def, now)

	if err := r.store.CreateDefinition(ctx, def); err != nil {
		if errors.Is(err, storage.ErrDuplicateName) {
			r.reply(ctx, msg.ChatID, fmt.Sprintf("You already have a chore named %q. Delete it first or pick another name.", spec.name))
			return
		}
		r.log.Error("create definition", logx.Any("err", err))
		r.reply(ctx, msg.ChatID, "Couldn't save that, try again.")
		return
	}

	r.log.Info("chore scheduled",
		logx.Int64("owner", def.OwnerID), logx.String("chore", def.Name),
		logx.Time("first", def.NextFireAt))
	r.reply(ctx, msg.ChatID, fmt.Sprintf("Scheduled %q %s. First reminder: %s.",
		def.Name, def.Rule.Describe(def.TimeOfDay), formatLocal(def.NextFireAt, r.sched.Location())))
}

func (r *router) cmdList(ctx context.Context, msg *kit.Message) {
	defs, err := r.store.ListDefinitions(ctx, msg.FromID)
	if err != nil {
		r.log.Error("list definitions", logx.Any("err", err))
		r.reply(ctx, msg.ChatID, "Couldn't load your chores, try again.")
		return
	}
	if len(defs) == 0 {
		r.reply(ctx, msg.ChatID, "No chores yet. Add one with /schedule.")
		return
	}

	loc := r.sched.Location()
	now := time.Now()
	var b strings.Builder
	b.WriteString("Your chores:\n")
	for _, d := range defs {
		fmt.Fprintf(&b, "• %s — %s — next %s", d.Name, d.Rule.Describe(d.TimeOfDay), formatLocal(d.NextFireAt, loc))
		if d.Paused(now) {
			fmt.Fprintf(&b, " (paused until %s)", formatLocal(d.PausedUntil, loc))
		}
		b.WriteString("\n")
	}
	r.reply(ctx, msg.ChatID, strings.TrimRight(b.String(), "\n"))
}

func (r *router) cmdDelete(ctx context.Context, msg *kit.Message, args []string) {
	if len(args) != 1 {
		r.reply(ctx, msg.ChatID, "usage: /delete <name>")
		return
	}
	name := args[0]
	err := r.store.DeleteDefinition(ctx, msg.FromID, name)
	if errors.Is(err, storage.ErrNotFound) {
		r.reply(ctx, msg.ChatID, fmt.Sprintf("No chore named %q.", name))
		return
	}
	if err != nil {
		r.log.Error("delete definition", logx.Any("err", err))
		r.reply(ctx, msg.ChatID, "Couldn't delete that, try again.")
		return
	}
	r.log.Info("chore deleted", logx.Int64("owner", msg.FromID), logx.String("chore", name))
	r.reply(ctx, msg.ChatID, fmt.Sprintf("Deleted %q and its pending reminders.", name))
}

func (r *router) cmdPause(ctx context.Context, msg *kit.Message, args []string) {
	if len(args) < 1 || len(args) > 2 {
		r.reply(ctx, msg.ChatID, "usage: /pause <name> [hours]")
		return
	}
	name := args[0]
	_, window := r.choresCfg()
	if len(args) == 2 {
		h, err := strconv.Atoi(args[1])
		if err != nil || h <= 0 {
			r.reply(ctx, msg.ChatID, fmt.Sprintf("%q is not a positive number of hours.", args[1]))
			return
		}
		window = time.Duration(h) * time.Hour
	}

	until := time.Now().Add(window)
	err := r.store.PauseDefinition(ctx, msg.FromID, name, until)
	if errors.Is(err, storage.ErrNotFound) {
		r.reply(ctx, msg.ChatID, fmt.Sprintf("No chore named %q.", name))
		return
	}
	if err != nil {
		r.log.Error("pause definition", logx.Any("err", err))
		r.reply(ctx, msg.ChatID, "Couldn't pause that, try again.")
		return
	}
	r.reply(ctx, msg.ChatID, fmt.Sprintf("Paused %q until %s.", name, formatLocal(until, r.sched.Location())))
}

func (r *router) handleCallback(ctx context.Context, cb *kit.Callback) {
	kind, instanceID, err := notifier.ParseActionData(cb.Data)
	if err != nil {
		r.answer(ctx, cb.ID, "That button is broken.")
		return
	}

	inst, err := r.store.GetInstance(ctx, instanceID)
	if err != nil {
		// Pruned or deleted; the prompt is long dead.
		r.answer(ctx, cb.ID, "That reminder is gone.")
		return
	}
	def, err := r.store.GetDefinitionByID(ctx, inst.DefinitionID)
	if err != nil {
		r.answer(ctx, cb.ID, "That chore no longer exists.")
		return
	}

	if deny := r.gate(kind, def, cb.FromID); deny != "" {
		r.answer(ctx, cb.ID, deny)
		return
	}

	_, err = r.sched.Submit(ctx, chore.Event{
		InstanceID: instanceID,
		Kind:       kind,
		ActorID:    cb.FromID,
	})
	if errors.Is(err, chore.ErrStaleEvent) {
		r.answer(ctx, cb.ID, "Already handled.")
		return
	}
	if err != nil {
		r.log.Error("submit reaction", logx.String("instance", instanceID), logx.Any("err", err))
		r.answer(ctx, cb.ID, "Something went wrong, try again.")
		return
	}

	r.answer(ctx, cb.ID, ackFor(kind))
	r.resolvePrompt(ctx, cb, kind)
}

// gate returns a denial message, or "" when the actor may submit this event.
func (r *router) gate(kind chore.EventKind, def *chore.Definition, actor int64) string {
	chores, _ := r.choresCfg()
	switch kind {
	case chore.EventComplete, chore.EventPostpone:
		if actor != def.OwnerID {
			return "Only the chore's owner can react to its reminder."
		}
	case chore.EventConfirm, chore.EventReject:
		if actor == def.OwnerID && !chores.SelfVerify {
			return "You can't verify your own chore."
		}
		if len(chores.Peers) > 0 && !containsID(chores.Peers, actor) {
			return "Only a configured peer can verify."
		}
	}
	return ""
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func ackFor(kind chore.EventKind) string {
	switch kind {
	case chore.EventComplete:
		return "Marked done, waiting for verification."
	case chore.EventPostpone:
		return "Okay, I'll remind you again later."
	case chore.EventConfirm:
		return "Confirmed, thanks!"
	case chore.EventReject:
		return "Rejected; the owner will be reminded."
	}
	return "Done."
}

// resolvePrompt edits the pressed prompt so its buttons can't fire twice.
func (r *router) resolvePrompt(ctx context.Context, cb *kit.Callback, kind chore.EventKind) {
	var note string
	switch kind {
	case chore.EventComplete:
		note = "⌛ Marked done, waiting for verification."
	case chore.EventPostpone:
		note = "⏰ Postponed."
	case chore.EventConfirm:
		note = "✅ Confirmed."
	case chore.EventReject:
		note = "❌ Rejected."
	default:
		return
	}
	ref := kit.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}
	if err := r.adapter.EditText(ctx, ref, note, nil); err != nil {
		r.log.Debug("edit prompt failed", logx.Int("msg", cb.MessageID), logx.Any("err", err))
	}
}

func (r *router) answer(ctx context.Context, callbackID, text string) {
	if err := r.adapter.AnswerCallback(ctx, callbackID, text); err != nil {
		r.log.Debug("answer callback failed", logx.Any("err", err))
	}
}

func formatLocal(t time.Time, loc *time.Location) string {
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format("Mon Jan 2 15:04")
}

func menuCommands() []kit.BotCommand {
	return []kit.BotCommand{
		{Command: "/schedule", Description: "add a recurring chore"},
		{Command: "/list", Description: "your chores and next reminders"},
		{Command: "/delete", Description: "remove a chore"},
		{Command: "/pause", Description: "pause a chore's reminders"},
		{Command: "/help", Description: "how this works"},
	}
}
