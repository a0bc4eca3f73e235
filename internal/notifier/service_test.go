package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"chorebot/internal/chore"
	"chorebot/internal/recurrence"
	"chorebot/internal/storage"
	kit "chorebot/internal/transport"
	logx "chorebot/pkg/logx"
)

type fakeAdapter struct {
	mu    sync.Mutex
	sent  []sentMsg
	fails int // fail this many sends before succeeding
	next  int
}

type sentMsg struct {
	chatID int64
	text   string
	opts   *kit.SendOptions
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return kit.MessageRef{}, errors.New("flood control")
	}
	f.next++
	f.sent = append(f.sent, sentMsg{chatID: to.ChatID, text: text, opts: opt})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: f.next}, nil
}

func (f *fakeAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}
func (f *fakeAdapter) AnswerCallback(context.Context, string, string) error { return nil }

func (f *fakeAdapter) snapshot() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.sent...)
}

func testDef() *chore.Definition {
	return &chore.Definition{
		ID:            7,
		OwnerID:       100,
		Name:          "dishes",
		Rule:          recurrence.Rule{Kind: recurrence.Daily},
		TimeOfDay:     recurrence.TimeOfDay{Hour: 18},
		ChatID:        500,
		ConfirmChatID: 600,
		NextFireAt:    time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC),
	}
}

func fastCfg() Config {
	return Config{
		Workers:    1,
		QueueSize:  16,
		RatePerSec: 1000,
		RetryMax:   2,
		RetryBase:  time.Millisecond,
	}
}

func waitSent(t *testing.T, ad *fakeAdapter, n int) []sentMsg {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := ad.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sends, got %d", n, len(ad.snapshot()))
	return nil
}

func TestReminderCarriesReactionButtons(t *testing.T) {
	ad := &fakeAdapter{}
	st := storage.NewMemory()
	def := testDef()
	inst := &chore.Instance{ID: "inst-1", DefinitionID: def.ID, State: chore.StatePending}
	if err := st.UpsertInstance(context.Background(), inst); err != nil {
		t.Fatalf("seed instance: %v", err)
	}

	s := New(fastCfg(), ad, st, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.SendReminder(context.Background(), def, inst); err != nil {
		t.Fatalf("SendReminder: %v", err)
	}

	sent := waitSent(t, ad, 1)
	if sent[0].chatID != def.ChatID {
		t.Fatalf("chat = %d, want %d", sent[0].chatID, def.ChatID)
	}
	if !strings.Contains(sent[0].text, "dishes") {
		t.Fatalf("text %q does not mention the chore", sent[0].text)
	}
	if sent[0].opts == nil || len(sent[0].opts.Buttons) != 1 || len(sent[0].opts.Buttons[0]) != 2 {
		t.Fatalf("want one row of two buttons, got %+v", sent[0].opts)
	}
	if got := sent[0].opts.Buttons[0][0].Data; got != "complete|inst-1" {
		t.Fatalf("done button data = %q", got)
	}

	// The sent message id must land on the instance row.
	s.Stop(context.Background())
	back, err := st.GetInstance(context.Background(), "inst-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if back.ReminderMsgID == 0 {
		t.Fatal("reminder message id was not recorded")
	}
}

func TestVerificationGoesToConfirmChat(t *testing.T) {
	ad := &fakeAdapter{}
	def := testDef()
	inst := &chore.Instance{ID: "inst-2", DefinitionID: def.ID, State: chore.StateAwaitingVerification}

	s := New(fastCfg(), ad, storage.NewMemory(), logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.SendVerificationRequest(context.Background(), def, inst); err != nil {
		t.Fatalf("SendVerificationRequest: %v", err)
	}

	sent := waitSent(t, ad, 1)
	if sent[0].chatID != 600 {
		t.Fatalf("verification chat = %d, want confirm chat 600", sent[0].chatID)
	}
	if got := sent[0].opts.Buttons[0][1].Data; got != "reject|inst-2" {
		t.Fatalf("reject button data = %q", got)
	}
}

func TestSendRetriesTransientFailures(t *testing.T) {
	ad := &fakeAdapter{fails: 2}
	def := testDef()
	inst := &chore.Instance{ID: "inst-3", DefinitionID: def.ID}

	s := New(fastCfg(), ad, storage.NewMemory(), logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.SendFollowUp(context.Background(), def, inst); err != nil {
		t.Fatalf("SendFollowUp: %v", err)
	}
	waitSent(t, ad, 1)
}

func TestEnqueueAfterStopFails(t *testing.T) {
	ad := &fakeAdapter{}
	s := New(fastCfg(), ad, storage.NewMemory(), logx.Nop(), nil)
	s.Start(context.Background())
	s.Stop(context.Background())

	err := s.SendCompletion(context.Background(), testDef(), &chore.Instance{ID: "x"})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestParseActionData(t *testing.T) {
	kind, id, err := ParseActionData("confirm|abc-123")
	if err != nil {
		t.Fatalf("ParseActionData: %v", err)
	}
	if kind != chore.EventConfirm || id != "abc-123" {
		t.Fatalf("got %q %q", kind, id)
	}

	for _, bad := range []string{"", "confirm", "confirm|", "nonsense|id"} {
		if _, _, err := ParseActionData(bad); err == nil {
			t.Fatalf("ParseActionData(%q) accepted", bad)
		}
	}
}
