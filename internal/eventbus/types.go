package eventbus

import "github.com/google/uuid"

// EventVersion is the current BalanceChanged payload version.
const EventVersion = 1

// BalanceChanged is emitted after a wallet transaction committed, one per
// affected participant. Seq is the producer-stamped monotonic per-player
// counter; for a given player, events carry strictly increasing Seq and are
// delivered in Seq order.
type BalanceChanged struct {
	UUID     uuid.UUID `json:"uuid"`
	Seq      uint64    `json:"seq"`
	OldUnits int64     `json:"oldUnits"`
	NewUnits int64     `json:"newUnits"`
	Reason   string    `json:"reason"`
	Version  int       `json:"version"`
}
