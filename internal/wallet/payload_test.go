package wallet

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestCanonicalPayloadShape(t *testing.T) {
	from := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	to := uuid.MustParse("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee")

	got := CanonicalPayload("wallet:transfer", from, to, 250, "Quest Reward")
	want := "wallet:transfer|11111111-2222-3333-4444-555555555555|" +
		"aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee|250|quest reward"
	assert.Equal(t, want, got)
}

func TestCanonicalPayloadAbsentParticipantIsZeroUUID(t *testing.T) {
	to := uuid.MustParse("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee")
	got := CanonicalPayload("wallet:deposit", uuid.Nil, to, 10, "daily")
	assert.True(t, strings.HasPrefix(got,
		"wallet:deposit|00000000-0000-0000-0000-000000000000|"), got)
}

func TestCanonicalPayloadReasonNormalization(t *testing.T) {
	a := CanonicalPayload("s", uuid.Nil, uuid.Nil, 1, "  Trade  ")
	b := CanonicalPayload("s", uuid.Nil, uuid.Nil, 1, "trade")
	assert.Equal(t, a, b, "trim and lowercase must agree")

	long := strings.Repeat("x", 200)
	clamped := CanonicalPayload("s", uuid.Nil, uuid.Nil, 1, long)
	assert.Equal(t, CanonicalPayload("s", uuid.Nil, uuid.Nil, 1, long[:maxReasonLen]), clamped)
}

func TestNormalizeReasonClamp(t *testing.T) {
	assert.Equal(t, "trade", normalizeReason("  trade "))
	assert.Len(t, normalizeReason(strings.Repeat("y", 100)), maxReasonLen)
}

func TestNormalizeReasonClampKeepsRunesWhole(t *testing.T) {
	// 63 ASCII bytes followed by a three-byte rune straddling the limit.
	reason := strings.Repeat("a", maxReasonLen-1) + "漢字"
	got := normalizeReason(reason)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", maxReasonLen-1), got,
		"a rune straddling the clamp is dropped whole")

	// A rune ending exactly at the limit is kept.
	exact := strings.Repeat("b", maxReasonLen-3) + "漢"
	assert.Equal(t, exact, normalizeReason(exact+"tail"))
}

func TestLockOrderIsDeterministic(t *testing.T) {
	a := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	b := uuid.MustParse("ffffffff-0000-0000-0000-000000000000")

	first, second := lockOrder(a, b)
	assert.Equal(t, a, first)
	assert.Equal(t, b, second)

	// Argument order never matters.
	first, second = lockOrder(b, a)
	assert.Equal(t, a, first)
	assert.Equal(t, b, second)

	// Equal inputs are stable.
	first, second = lockOrder(a, a)
	assert.Equal(t, a, first)
	assert.Equal(t, a, second)
}
