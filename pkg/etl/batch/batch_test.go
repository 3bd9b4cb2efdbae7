package batch_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidelake/stratum/pkg/etl/batch"
)

func TestAppendRejectsMisalignedRecord(t *testing.T) {
	b := batch.New([]string{"id", "name"})
	err := b.Append(batch.Record{1})
	assert.Error(t, err)

	err = b.Append(batch.Record{1, "alice"})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, "alice", b.Value(0, "name"))
	assert.Nil(t, b.Value(0, "missing"))
}

func TestDedupeLastByKeyKeepsLastOccurrence(t *testing.T) {
	b := batch.New([]string{"id", "name"})
	require.NoError(t, b.Append(batch.Record{1, "first"}))
	require.NoError(t, b.Append(batch.Record{2, "other"}))
	require.NoError(t, b.Append(batch.Record{1, "last"}))

	out := b.DedupeLastByKey([]string{"id"})
	require.Equal(t, 2, out.Len())
	// Source order is preserved; the surviving id=1 record is the last one.
	assert.Equal(t, "other", out.Value(0, "name"))
	assert.Equal(t, "last", out.Value(1, "name"))
}

func TestKeyOfDistinguishesNilFromEmptyString(t *testing.T) {
	b := batch.New([]string{"id"})
	require.NoError(t, b.Append(batch.Record{nil}))
	require.NoError(t, b.Append(batch.Record{""}))

	assert.NotEqual(t, b.KeyOf(0, []string{"id"}), b.KeyOf(1, []string{"id"}))
}

func TestFromMapsAlignsColumns(t *testing.T) {
	rows := []map[string]interface{}{
		{"id": 1, "name": "alice"},
		{"name": "bob"},
	}
	b := batch.FromMaps([]string{"id", "name"}, rows)
	require.Equal(t, 2, b.Len())
	assert.Equal(t, 1, b.Value(0, "id"))
	assert.Nil(t, b.Value(1, "id"))
	assert.Equal(t, "bob", b.Value(1, "name"))
}

func TestEqualComparesAcrossDriverTypes(t *testing.T) {
	assert.True(t, batch.Equal(int64(5), float64(5)))
	assert.True(t, batch.Equal("5", int64(5)))
	assert.True(t, batch.Equal([]byte("x"), "x"))
	assert.False(t, batch.Equal("5", "6"))

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.True(t, batch.Equal(ts, ts.Format(time.RFC3339)))

	// Transitions to or from NULL count as a change.
	assert.False(t, batch.Equal(nil, "x"))
	assert.False(t, batch.Equal("x", nil))
	assert.True(t, batch.Equal(nil, nil))
}

func TestAsIntHandlesDriverShapes(t *testing.T) {
	n, ok := batch.AsInt("1.0")
	require.True(t, ok)
	assert.Equal(t, 1, n)

	n, ok = batch.AsInt([]byte("42"))
	require.True(t, ok)
	assert.Equal(t, 42, n)

	_, ok = batch.AsInt("not a number")
	assert.False(t, ok)
}
