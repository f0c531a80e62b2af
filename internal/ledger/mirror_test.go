package ledger_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orecraft/gamecore/internal/eventbus"
	"github.com/orecraft/gamecore/internal/ledger"
)

func TestFileMirrorAppendsLines(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := filepath.Join(t.TempDir(), "logs", "ledger.jsonl")

	m, err := ledger.OpenMirror(path, log)
	require.NoError(t, err)

	ctx := context.Background()
	id := uuid.New()
	require.NoError(t, m.Handle(ctx, eventbus.BalanceChanged{
		UUID: id, Seq: 1, OldUnits: 0, NewUnits: 100, Reason: "welcome",
	}))
	require.NoError(t, m.Handle(ctx, eventbus.BalanceChanged{
		UUID: id, Seq: 2, OldUnits: 100, NewUnits: 60, Reason: "shop",
	}))
	require.NoError(t, m.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		lines = append(lines, line)
	}
	require.NoError(t, sc.Err())
	require.Len(t, lines, 2)
	assert.Equal(t, id.String(), lines[0]["uuid"])
	assert.Equal(t, float64(1), lines[0]["seq"])
	assert.Equal(t, "welcome", lines[0]["reason"])
	assert.Equal(t, float64(60), lines[1]["newUnits"])
	assert.NotZero(t, lines[0]["ts"])
}

func TestFileMirrorReopensAppend(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := filepath.Join(t.TempDir(), "ledger.jsonl")

	for i := 0; i < 2; i++ {
		m, err := ledger.OpenMirror(path, log)
		require.NoError(t, err)
		require.NoError(t, m.Handle(context.Background(), eventbus.BalanceChanged{
			UUID: uuid.New(), Seq: 1, NewUnits: 1, Reason: "r",
		}))
		require.NoError(t, m.Close())
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, len(splitLines(data)))
}

func TestFileMirrorClosedHandleFails(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m, err := ledger.OpenMirror(filepath.Join(t.TempDir(), "ledger.jsonl"), log)
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close(), "double close is harmless")

	err = m.Handle(context.Background(), eventbus.BalanceChanged{UUID: uuid.New()})
	assert.Error(t, err)
}

func splitLines(data []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			out = append(out, data[start:i])
			start = i + 1
		}
	}
	return out
}
