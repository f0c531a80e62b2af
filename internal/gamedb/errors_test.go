package gamedb

import (
	"errors"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorStringFormat(t *testing.T) {
	err := E(CodeInsufficientFunds, "wallet:withdraw", "balance %d short of %d", 10, 25)
	assert.Equal(t,
		"code=INSUFFICIENT_FUNDS op=wallet:withdraw message=balance 10 short of 25",
		err.Error())
}

func TestErrorStringIncludesVendorDetails(t *testing.T) {
	err := &Error{
		Code:     CodeDeadlockRetryExhausted,
		Op:       "wallet:transfer",
		Message:  "deadlock",
		SQLState: "40001",
		Vendor:   1213,
	}
	assert.Equal(t,
		"code=DEADLOCK_RETRY_EXHAUSTED op=wallet:transfer message=deadlock sqlState=40001 vendor=1213",
		err.Error())
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeUnknownPlayer, CodeOf(E(CodeUnknownPlayer, "op", "gone")))

	wrapped := &Error{Code: CodeInvalidAmount, Op: "op", Message: "m"}
	assert.Equal(t, CodeInvalidAmount, CodeOf(wrapped))

	// Unclassified failures surface as lost connections.
	assert.Equal(t, CodeConnectionLost, CodeOf(errors.New("boom")))
}

func mysqlErr(number uint16, state string) *mysql.MySQLError {
	var e mysql.MySQLError
	e.Number = number
	copy(e.SQLState[:], state)
	e.Message = "test"
	return &e
}

func TestDeadlockClass(t *testing.T) {
	assert.True(t, isDeadlockClass(mysqlErr(1213, "40001")))
	assert.True(t, isDeadlockClass(mysqlErr(1205, "HY000")))
	assert.True(t, isDeadlockClass(mysqlErr(9999, "40001")))
	assert.False(t, isDeadlockClass(mysqlErr(1062, "23000")))
	assert.False(t, isDeadlockClass(errors.New("plain")))
}

func TestClassify(t *testing.T) {
	assert.NoError(t, Classify("op", nil))

	// Structured errors pass through unchanged.
	structured := E(CodeInsufficientFunds, "op", "short")
	assert.Same(t, error(structured), Classify("op", structured))

	out := Classify("op", mysqlErr(1213, "40001"))
	var ge *Error
	require.ErrorAs(t, out, &ge)
	assert.Equal(t, CodeDeadlockRetryExhausted, ge.Code)
	assert.Equal(t, uint16(1213), ge.Vendor)
	assert.Equal(t, "40001", ge.SQLState)

	out = Classify("op", mysqlErr(2006, "HY000"))
	require.ErrorAs(t, out, &ge)
	assert.Equal(t, CodeConnectionLost, ge.Code)

	out = Classify("op", errors.New("io timeout"))
	require.ErrorAs(t, out, &ge)
	assert.Equal(t, CodeConnectionLost, ge.Code)
	assert.Equal(t, "op", ge.Op)
}

func TestValidateLockName(t *testing.T) {
	for _, name := range []string{
		"gamecore:migrate",
		"gamecore:job:backup",
		"a",
		"A-b_c.d:e0",
	} {
		assert.NoError(t, ValidateLockName(name), name)
	}
	for _, name := range []string{
		"",
		"has space",
		"quote'",
		"semi;colon",
		"back`tick",
		string(make([]byte, 65)),
	} {
		assert.Error(t, ValidateLockName(name), name)
	}
}

func TestLinearBackOffProgression(t *testing.T) {
	bo := &linearBackOff{base: 100 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, bo.NextBackOff())
	assert.Equal(t, 200*time.Millisecond, bo.NextBackOff())
	assert.Equal(t, 300*time.Millisecond, bo.NextBackOff())
	bo.Reset()
	assert.Equal(t, 100*time.Millisecond, bo.NextBackOff())
}
