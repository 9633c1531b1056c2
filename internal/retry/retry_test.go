package retry

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hgrandin/stockdata/internal/storage"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func newTestLedger(now time.Time) (*Ledger, *storage.MockStore) {
	store := storage.NewMockStore()
	ledger := NewLedger(store, testLogger())
	ledger.now = func() time.Time { return now }
	return ledger, store
}

func TestRecordFailure_FirstFailureStartsAtZero(t *testing.T) {
	ledger, _ := newTestLedger(day("2025-07-10"))

	record, err := ledger.RecordFailure("SPY", day("2025-07-18"), day("2025-07-10"))
	require.NoError(t, err)
	assert.Equal(t, 0, record.RetryCount)
	assert.Equal(t, "SPY", record.Ticker)
	assert.NotZero(t, record.RetryID)
}

func TestRecordFailure_RepeatIncrementsCount(t *testing.T) {
	ledger, _ := newTestLedger(day("2025-07-10"))

	first, err := ledger.RecordFailure("SPY", day("2025-07-18"), day("2025-07-10"))
	require.NoError(t, err)
	second, err := ledger.RecordFailure("SPY", day("2025-07-18"), day("2025-07-10"))
	require.NoError(t, err)

	assert.Equal(t, first.RetryID, second.RetryID, "repeat failure reuses the record")
	assert.Equal(t, 1, second.RetryCount)

	third, err := ledger.RecordFailure("SPY", day("2025-07-18"), day("2025-07-10"))
	require.NoError(t, err)
	assert.Equal(t, 2, third.RetryCount)
}

func TestRecordFailure_DistinctKeysGetDistinctRecords(t *testing.T) {
	ledger, _ := newTestLedger(day("2025-07-10"))

	_, err := ledger.RecordFailure("SPY", day("2025-07-18"), day("2025-07-10"))
	require.NoError(t, err)
	_, err = ledger.RecordFailure("SPY", day("2025-08-15"), day("2025-07-10"))
	require.NoError(t, err)
	_, err = ledger.RecordFailure("AAPL", day("2025-07-18"), day("2025-07-10"))
	require.NoError(t, err)

	spyRecords, err := ledger.FindByTickerAndExpiration("SPY", day("2025-07-18"))
	require.NoError(t, err)
	require.Len(t, spyRecords, 1)
	assert.Equal(t, 0, spyRecords[0].RetryCount)

	byDay, err := ledger.FindByTradeDate(day("2025-07-10"))
	require.NoError(t, err)
	assert.Len(t, byDay, 3)
}

func TestResolve_RemovesRecord(t *testing.T) {
	ledger, _ := newTestLedger(day("2025-07-10"))

	_, err := ledger.RecordFailure("SPY", day("2025-07-18"), day("2025-07-10"))
	require.NoError(t, err)
	require.NoError(t, ledger.Resolve("SPY", day("2025-07-18"), day("2025-07-10")))

	_, err = ledger.Find("SPY", day("2025-07-18"), day("2025-07-10"))
	assert.ErrorIs(t, err, storage.ErrRetryNotFound)
}

func TestResolve_MissingKeyIsNoOp(t *testing.T) {
	ledger, _ := newTestLedger(day("2025-07-10"))
	assert.NoError(t, ledger.Resolve("SPY", day("2025-07-18"), day("2025-07-10")))
}

func TestSweepStale_RemovesPassedTradeDates(t *testing.T) {
	ledger, _ := newTestLedger(day("2025-07-10"))

	_, err := ledger.RecordFailure("SPY", day("2025-07-18"), day("2025-07-08"))
	require.NoError(t, err)
	_, err = ledger.RecordFailure("SPY", day("2025-07-18"), day("2025-07-09"))
	require.NoError(t, err)
	_, err = ledger.RecordFailure("SPY", day("2025-07-18"), day("2025-07-10"))
	require.NoError(t, err)

	removed, err := ledger.SweepStale()
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	_, err = ledger.Find("SPY", day("2025-07-18"), day("2025-07-10"))
	assert.NoError(t, err, "today's record survives the sweep")
}

func TestRecordFailure_StoreErrorSurfaces(t *testing.T) {
	ledger, store := newTestLedger(day("2025-07-10"))
	store.Err = errors.New("disk full")

	_, err := ledger.RecordFailure("SPY", day("2025-07-18"), day("2025-07-10"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}
