package state

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(index, term uint64) Entry {
	q, _ := json.Marshal(map[string]uint64{"i": index})
	return Entry{Index: index, Term: term, Query: q}
}

func openMemoryLog(t *testing.T, n uint64) *Log {
	t.Helper()
	l, err := Open(NewMemory())
	require.NoError(t, err)
	for i := uint64(1); i <= n; i++ {
		require.NoError(t, l.Append([]Entry{entry(i, 1)}))
	}
	return l
}

func TestLogAppendAndLastEntry(t *testing.T) {
	l := openMemoryLog(t, 0)
	assert.Equal(t, uint64(0), l.LastIndex())
	assert.Equal(t, Entry{}, l.LastEntry())

	require.NoError(t, l.Append([]Entry{entry(1, 1), entry(2, 1)}))
	assert.Equal(t, uint64(2), l.LastIndex())
	assert.Equal(t, uint64(2), l.LastEntry().Index)

	// appends must continue the log without gaps
	err := l.Append([]Entry{entry(5, 1)})
	assert.Error(t, err)
	assert.Equal(t, uint64(2), l.LastIndex())
}

func TestLogSlice(t *testing.T) {
	l := openMemoryLog(t, 5)

	s := l.Slice(2, 4)
	require.Len(t, s, 3)
	assert.Equal(t, uint64(2), s[0].Index)
	assert.Equal(t, uint64(4), s[2].Index)

	s = l.Slice(3, EndOfLog)
	require.Len(t, s, 3)
	assert.Equal(t, uint64(5), s[2].Index)

	assert.Nil(t, l.Slice(6, EndOfLog))
	assert.Nil(t, l.Slice(4, 2))
}

func TestLogGet(t *testing.T) {
	l := openMemoryLog(t, 4)

	// from 0: sentinel prev plus everything
	batch := l.Get(0)
	require.Len(t, batch, 5)
	assert.Equal(t, Entry{}, batch[0])
	assert.Equal(t, uint64(1), batch[1].Index)

	// from 2: entry 2 as prev, entries 3..4 after it
	batch = l.Get(2)
	require.Len(t, batch, 3)
	assert.Equal(t, uint64(2), batch[0].Index)
	assert.Equal(t, uint64(3), batch[1].Index)
	assert.Equal(t, uint64(4), batch[2].Index)

	// fully caught up: prev only, i.e. a heartbeat
	batch = l.Get(4)
	require.Len(t, batch, 1)
	assert.Equal(t, uint64(4), batch[0].Index)
}

func TestLogTruncateFrom(t *testing.T) {
	l := openMemoryLog(t, 5)
	require.NoError(t, l.TruncateFrom(3))
	assert.Equal(t, uint64(2), l.LastIndex())
	_, ok := l.EntryAt(3)
	assert.False(t, ok)

	// truncating beyond the end is a no-op
	require.NoError(t, l.TruncateFrom(10))
	assert.Equal(t, uint64(2), l.LastIndex())
}

func TestOpenRejectsGappyBackend(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Append([]Entry{entry(1, 1), entry(3, 1)}))
	_, err := Open(m)
	assert.Error(t, err)
}

func TestBoltRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agency.db")

	b, err := OpenBolt(path)
	require.NoError(t, err)
	l, err := Open(b)
	require.NoError(t, err)
	require.NoError(t, l.Append([]Entry{entry(1, 1), entry(2, 1), entry(3, 2)}))
	require.NoError(t, l.TruncateFrom(3))
	require.NoError(t, l.SaveVote(7, 2))
	require.NoError(t, l.Close())

	// reopen and verify everything survived
	b, err = OpenBolt(path)
	require.NoError(t, err)
	l, err = Open(b)
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, uint64(2), l.LastIndex())
	e, ok := l.EntryAt(2)
	require.True(t, ok)
	assert.Equal(t, uint64(1), e.Term)
	assert.JSONEq(t, `{"i":2}`, string(e.Query))

	term, votedFor, err := l.LoadVote()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), term)
	assert.Equal(t, int64(2), votedFor)
}

func TestBoltVoteDefaults(t *testing.T) {
	b, err := OpenBolt(filepath.Join(t.TempDir(), "agency.db"))
	require.NoError(t, err)
	defer b.Close()

	term, votedFor, err := b.LoadVote()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), term)
	assert.Equal(t, NoVote, votedFor)
}
