package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "updates.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLedger_AppendAndRecent(t *testing.T) {
	l := newTestLedger(t)

	require.NoError(t, l.Append(Record{Time: time.Unix(1, 0), Version: "1.0.0", Outcome: "committed"}))
	require.NoError(t, l.Append(Record{Time: time.Unix(2, 0), Version: "1.1.0", Outcome: "committed"}))
	require.NoError(t, l.Append(Record{Time: time.Unix(3, 0), Version: "1.2.0", Outcome: "failed", ErrorKind: "transport_error"}))

	recs, err := l.Recent(2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "1.2.0", recs[0].Version)
	assert.Equal(t, "failed", recs[0].Outcome)
	assert.Equal(t, "transport_error", recs[0].ErrorKind)
	assert.Equal(t, "1.1.0", recs[1].Version)
}

func TestLedger_RecentOnEmptyLedger(t *testing.T) {
	l := newTestLedger(t)

	recs, err := l.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestLedger_ReopenPersistsRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "updates.db")

	l1, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, l1.Append(Record{Time: time.Unix(1, 0), Version: "1.0.0", Outcome: "committed"}))
	require.NoError(t, l1.Close())

	l2, err := Open(path, nil)
	require.NoError(t, err)
	defer l2.Close()

	recs, err := l2.Recent(10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "1.0.0", recs[0].Version)
}
