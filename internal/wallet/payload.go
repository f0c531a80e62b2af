package wallet

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// maxReasonLen is the clamp applied to reasons, both for storage and for
// the canonical payload.
const maxReasonLen = 64

// normalizeReason trims and clamps a reason for storage. The clamp backs up
// to a rune boundary so a multi-byte rune straddling the limit is dropped
// whole rather than truncated into invalid UTF-8.
func normalizeReason(reason string) string {
	reason = strings.TrimSpace(reason)
	if len(reason) > maxReasonLen {
		cut := maxReasonLen
		for cut > 0 && !utf8.RuneStart(reason[cut]) {
			cut--
		}
		reason = reason[:cut]
	}
	return reason
}

// canonicalReason is the payload form: lowercase, trimmed, clamped.
func canonicalReason(reason string) string {
	return strings.ToLower(normalizeReason(reason))
}

// CanonicalPayload derives the deterministic payload string whose hash
// distinguishes true replays from key-collision mistakes:
//
//	scope | fromUuidOrZero | toUuidOrZero | amount | lowerTrimClamp(reason, 64)
//
// Absent participants are the zero UUID.
func CanonicalPayload(scope string, from, to uuid.UUID, amount int64, reason string) string {
	return fmt.Sprintf("%s|%s|%s|%d|%s", scope, from, to, amount, canonicalReason(reason))
}

// lockOrder returns the two participants in ascending UUID byte order. A
// deterministic locking order across every transfer eliminates the classic
// two-account deadlock.
func lockOrder(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if bytes.Compare(a[:], b[:]) <= 0 {
		return a, b
	}
	return b, a
}
