package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllow_ClosedPassesThrough(t *testing.T) {
	tb := NewTable()
	require.NoError(t, tb.Allow("player"))
}

func TestRecordFailure_TripsAtThreshold(t *testing.T) {
	tb := NewTable()
	for i := 0; i < failureThreshold-1; i++ {
		tb.RecordFailure("player", true)
		require.NoError(t, tb.Allow("player"), "must stay closed below threshold")
	}
	tb.RecordFailure("player", true)

	err := tb.Allow("player")
	var openErr *ErrOpen
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "player", openErr.Key)
}

func TestRecordFailure_IgnoresNonCountingErrors(t *testing.T) {
	tb := NewTable()
	for i := 0; i < failureThreshold+5; i++ {
		tb.RecordFailure("player", false)
	}
	assert.NoError(t, tb.Allow("player"))
}

func TestKeysAreIndependent(t *testing.T) {
	tb := NewTable()
	for i := 0; i < failureThreshold; i++ {
		tb.RecordFailure("player", true)
	}
	require.Error(t, tb.Allow("player"))
	assert.NoError(t, tb.Allow("top"), "a storm on one service key must not trip another")
}

func TestOpen_TransitionsToHalfOpenAfterResetTimeout(t *testing.T) {
	tb := NewTable()
	for i := 0; i < failureThreshold; i++ {
		tb.RecordFailure("player", true)
	}
	e := tb.get("player")
	e.mu.Lock()
	e.lastFailure = time.Now().Add(-resetTimeout - time.Second)
	e.mu.Unlock()

	require.NoError(t, tb.Allow("player"), "resetTimeout elapsed must admit a half-open probe")

	// a second concurrent caller must not get a second probe slot.
	err := tb.Allow("player")
	var openErr *ErrOpen
	assert.ErrorAs(t, err, &openErr)
}

func TestHalfOpen_SuccessCloses(t *testing.T) {
	tb := NewTable()
	for i := 0; i < failureThreshold; i++ {
		tb.RecordFailure("player", true)
	}
	e := tb.get("player")
	e.mu.Lock()
	e.lastFailure = time.Now().Add(-resetTimeout - time.Second)
	e.mu.Unlock()
	require.NoError(t, tb.Allow("player"))

	tb.RecordSuccess("player")
	require.NoError(t, tb.Allow("player"))
	require.NoError(t, tb.Allow("player"), "closed breaker admits unlimited calls")
}

func TestHalfOpen_FailureReopens(t *testing.T) {
	tb := NewTable()
	for i := 0; i < failureThreshold; i++ {
		tb.RecordFailure("player", true)
	}
	e := tb.get("player")
	e.mu.Lock()
	e.lastFailure = time.Now().Add(-resetTimeout - time.Second)
	e.mu.Unlock()
	require.NoError(t, tb.Allow("player"))

	tb.RecordFailure("player", true)
	var openErr *ErrOpen
	require.ErrorAs(t, tb.Allow("player"), &openErr)
}
