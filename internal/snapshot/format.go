// Package snapshot exports and imports the persistent state as line-oriented
// JSON: one header line followed by one self-describing line per row. The
// format is append-friendly, diffable, and survives schema growth because
// unknown fields are ignored on read.
package snapshot

import (
	"encoding/json"
	"fmt"
	"time"
)

// FormatVersion is the value of the header's version field.
const FormatVersion = "jsonl/v1"

// Table discriminators carried by every data line.
const (
	TablePlayers    = "players"
	TableAttributes = "player_attributes"
	TableSeq        = "player_event_seq"
	TableLedger     = "core_ledger"
)

// Header is the first line of every snapshot.
type Header struct {
	Version       string `json:"version"`
	SchemaVersion int    `json:"schemaVersion"`
	GeneratedAt   string `json:"generatedAt"`
	DefaultZone   string `json:"defaultZone"`
}

// NewHeader stamps a header with the current UTC instant.
func NewHeader(schemaVersion int) Header {
	return Header{
		Version:       FormatVersion,
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
		DefaultZone:   "UTC",
	}
}

// Validate rejects headers this build cannot consume.
func (h Header) Validate() error {
	if h.Version != FormatVersion {
		return fmt.Errorf("unsupported snapshot format %q (want %s)", h.Version, FormatVersion)
	}
	if h.SchemaVersion <= 0 {
		return fmt.Errorf("snapshot missing schema version")
	}
	return nil
}

// typedLine probes the discriminator of a data line.
type typedLine struct {
	Table string `json:"table"`
}

// PlayerLine mirrors one players row. UUIDs are canonical strings.
type PlayerLine struct {
	Table     string `json:"table"`
	UUID      string `json:"uuid"`
	Name      string `json:"name"`
	Balance   int64  `json:"balance"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
	SeenAt    *int64 `json:"seenAt,omitempty"`
}

// AttributeLine mirrors one player_attributes row.
type AttributeLine struct {
	Table     string          `json:"table"`
	Owner     string          `json:"owner"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	CreatedAt int64           `json:"createdAt"`
	UpdatedAt int64           `json:"updatedAt"`
}

// SeqLine mirrors one player_event_seq row.
type SeqLine struct {
	Table string `json:"table"`
	UUID  string `json:"uuid"`
	Seq   uint64 `json:"seq"`
}

// LedgerLine mirrors one core_ledger row. Absent participants are empty
// strings, the key hash is lowercase hex.
type LedgerLine struct {
	Table       string `json:"table"`
	TS          int64  `json:"ts"`
	ModuleID    string `json:"moduleId"`
	Op          string `json:"op"`
	From        string `json:"from"`
	To          string `json:"to"`
	Amount      int64  `json:"amount"`
	Reason      string `json:"reason"`
	OK          bool   `json:"ok"`
	Code        string `json:"code,omitempty"`
	Seq         uint64 `json:"seq"`
	IdemScope   string `json:"idemScope,omitempty"`
	IdemKeyHash string `json:"idemKeyHash,omitempty"`
	OldUnits    *int64 `json:"oldUnits,omitempty"`
	NewUnits    *int64 `json:"newUnits,omitempty"`
	ServerNode  string `json:"serverNode,omitempty"`
	ExtraJSON   string `json:"extraJson,omitempty"`
}
