package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"chorebot/internal/chore"
	logx "chorebot/pkg/logx"
)

var (
	// ErrDuplicateName: a definition with the same (owner, chore name) exists.
	ErrDuplicateName = errors.New("a reminder with that name already exists")
	// ErrNotFound: no such definition or instance.
	ErrNotFound = errors.New("reminder not found")
)

// MessageSlot names which outbound message an instance row tracks.
type MessageSlot string

const (
	SlotReminder MessageSlot = "reminder"
	SlotVerify   MessageSlot = "verify"
)

// Store is the durable record of reminder definitions and their chore
// instances. All writes are atomic per entity: a failed write leaves the
// previous row intact so the caller can retry the whole transition.
type Store interface {
	// CreateDefinition inserts a new definition and fills in its ID.
	// Fails with ErrDuplicateName if (owner, name) is taken.
	CreateDefinition(ctx context.Context, d *chore.Definition) error

	// GetDefinition fetches a definition by owner and chore name.
	GetDefinition(ctx context.Context, owner int64, name string) (*chore.Definition, error)

	// GetDefinitionByID fetches a definition by id.
	GetDefinitionByID(ctx context.Context, id int64) (*chore.Definition, error)

	// ListDefinitions returns the owner's definitions ordered by next fire time.
	ListDefinitions(ctx context.Context, owner int64) ([]*chore.Definition, error)

	// DueDefinitions returns definitions whose next fire time has elapsed,
	// that are not inside a pause window, and that have no active (non-terminal)
	// instance. The result is a finite snapshot; callers re-query each tick.
	DueDefinitions(ctx context.Context, asOf time.Time) ([]*chore.Definition, error)

	// PauseDefinition suppresses the definition until the given time.
	PauseDefinition(ctx context.Context, owner int64, name string, until time.Time) error

	// DeleteDefinition removes the definition and cascades deletion of its
	// instances, cancelling any armed wake-up in the same write.
	DeleteDefinition(ctx context.Context, owner int64, name string) error

	// UpsertInstance writes an instance's full state in one atomic statement.
	UpsertInstance(ctx context.Context, inst *chore.Instance) error

	// CompleteCycle persists a terminal instance and advances its definition's
	// next fire time in a single atomic write. Either both land or neither
	// does, so a failure leaves the cycle in its pre-transition state.
	CompleteCycle(ctx context.Context, inst *chore.Instance, next time.Time) error

	// GetInstance fetches an instance by id.
	GetInstance(ctx context.Context, id string) (*chore.Instance, error)

	// SetInstanceMessage records the chat message id behind a reminder or
	// verification prompt. It touches only that column, so it cannot clobber
	// a state transition racing with the send.
	SetInstanceMessage(ctx context.Context, instanceID string, slot MessageSlot, messageID int) error

	// ActiveInstance returns the definition's single non-terminal instance,
	// or (nil, nil) when the definition has none.
	ActiveInstance(ctx context.Context, defID int64) (*chore.Instance, error)

	// DueInstances returns non-terminal instances whose wake-up has elapsed,
	// skipping instances whose definition is paused.
	DueInstances(ctx context.Context, asOf time.Time) ([]*chore.Instance, error)

	// PruneVerified deletes terminal instances resolved before the given time.
	PruneVerified(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": non-durable in-memory store (tests, dry runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
