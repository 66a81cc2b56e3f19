package wal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nodestore/document"
)

func TestSegmentAppendAndReadAll(t *testing.T) {
	dir := t.TempDir()
	seg, err := openSegment(dir)
	require.NoError(t, err)

	for i := uint64(1); i <= 3; i++ {
		payload, err := encodePayload(InsertPayload{Doc: document.Doc{"_id": "x"}})
		require.NoError(t, err)
		rec := Record{Sequence: i, TimestampMillis: i, Kind: KindInsert, Collection: "users", Payload: payload}
		require.NoError(t, seg.append(rec, false))
	}
	require.NoError(t, seg.sync())
	require.NoError(t, seg.close())

	records, err := readAllRecords(dir)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, uint64(1), records[0].Sequence)
	assert.Equal(t, uint64(3), records[2].Sequence)
}

func TestReadAllRecordsMissingSegment(t *testing.T) {
	dir := t.TempDir()
	records, err := readAllRecords(dir)
	require.NoError(t, err)
	assert.Nil(t, records)
}

func TestReadAllRecordsStopsAtTruncatedTail(t *testing.T) {
	dir := t.TempDir()
	seg, err := openSegment(dir)
	require.NoError(t, err)

	payload, err := encodePayload(InsertPayload{Doc: document.Doc{"_id": "x"}})
	require.NoError(t, err)
	good := Record{Sequence: 1, TimestampMillis: 1, Kind: KindInsert, Collection: "users", Payload: payload}
	require.NoError(t, seg.append(good, false))

	// Simulate a crash mid-append of a second record by writing a
	// partial frame straight to the file.
	partial := Record{Sequence: 2, TimestampMillis: 2, Kind: KindInsert, Collection: "users", Payload: payload}.encode()
	_, err = seg.file.Write(partial[:len(partial)-5])
	require.NoError(t, err)
	require.NoError(t, seg.close())

	records, err := readAllRecords(dir)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, uint64(1), records[0].Sequence)
}

func TestTruncateSegmentEmptiesFile(t *testing.T) {
	dir := t.TempDir()
	seg, err := openSegment(dir)
	require.NoError(t, err)

	payload, err := encodePayload(InsertPayload{Doc: document.Doc{"_id": "x"}})
	require.NoError(t, err)
	require.NoError(t, seg.append(Record{Sequence: 1, Kind: KindInsert, Collection: "users", Payload: payload}, true))
	require.NoError(t, seg.close())

	require.NoError(t, truncateSegment(dir))

	records, err := readAllRecords(dir)
	require.NoError(t, err)
	assert.Empty(t, records)
}
