package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/orecraft/gamecore/internal/eventbus"
	"github.com/orecraft/gamecore/internal/gamedb"
)

// FileMirror appends one JSON line per committed balance event to an audit
// file. It subscribes to the event bus, so lines land post-commit and in seq
// order per player. The database remains the source of truth; the mirror is
// a tail-friendly convenience for operators.
type FileMirror struct {
	log *slog.Logger

	mu sync.Mutex
	f  *os.File
}

// mirrorLine is the on-disk shape. ts is stamped at write time.
type mirrorLine struct {
	TS       int64  `json:"ts"`
	UUID     string `json:"uuid"`
	Seq      uint64 `json:"seq"`
	OldUnits int64  `json:"oldUnits"`
	NewUnits int64  `json:"newUnits"`
	Reason   string `json:"reason"`
}

// OpenMirror opens (or creates) the audit file in append mode.
func OpenMirror(path string, log *slog.Logger) (*FileMirror, error) {
	if log == nil {
		log = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create mirror directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger mirror %s: %w", path, err)
	}
	return &FileMirror{log: log, f: f}, nil
}

// Handle is the bus subscriber. Each event becomes one line; write failures
// are returned for the bus to log and are otherwise harmless.
func (m *FileMirror) Handle(ctx context.Context, ev eventbus.BalanceChanged) error {
	line, err := json.Marshal(mirrorLine{
		TS:       gamedb.UnixNow(),
		UUID:     ev.UUID.String(),
		Seq:      ev.Seq,
		OldUnits: ev.OldUnits,
		NewUnits: ev.NewUnits,
		Reason:   ev.Reason,
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return fmt.Errorf("ledger mirror closed")
	}
	_, err = m.f.Write(append(line, '\n'))
	return err
}

// Close flushes and closes the file. Further Handle calls fail.
func (m *FileMirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return nil
	}
	err := m.f.Close()
	m.f = nil
	return err
}
