// Package wal implements the durability manager (C5): an append-only
// write-ahead log with periodic snapshots and crash recovery, grounded on
// eventsync's event_store.go (sequence-number allocation, per-record
// checksum) and snapshot.go/compaction.go (consistent snapshot cut,
// post-snapshot truncation), generalized from "one event per MongoDB
// document" to "one record per committed collection op" and from a
// MongoDB collection to a local append-only segment file.
package wal

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"nodestore/document"
)

// Kind identifies what a Record represents, per §6's WAL segment
// layout: insert/update/remove/index-create/index-drop/checkpoint.
type Kind uint8

const (
	KindInsert Kind = iota + 1
	KindUpdate
	KindRemove
	KindIndexCreate
	KindIndexDrop
	KindCheckpoint
)

// InsertPayload is the change payload for a KindInsert record: the full
// document image after id assignment, per §4.5.
type InsertPayload struct {
	Doc document.Doc `bson:"doc"`
}

// UpdatePayload is the change payload for a KindUpdate record.
type UpdatePayload struct {
	Query     map[string]any `bson:"query"`
	Changes   document.Doc   `bson:"changes"`
	DeepMerge bool           `bson:"deep_merge"`
	Matched   []string       `bson:"matched"`
}

// RemovePayload is the change payload for a KindRemove record: the
// matched ids and their prior images, so recovery and undo can both
// restore exact state.
type RemovePayload struct {
	Matched     []string       `bson:"matched"`
	PriorImages []document.Doc `bson:"prior_images"`
}

// IndexPayload is the change payload for KindIndexCreate/KindIndexDrop.
type IndexPayload struct {
	Field string `bson:"field"`
}

// Record is one WAL entry: a strictly increasing sequence number, a
// millisecond timestamp, its kind, the collection it targets, an
// opaque BSON payload, and a checksum over the serialized record.
type Record struct {
	Sequence        uint64
	TimestampMillis uint64
	Kind            Kind
	Collection      string
	Payload         []byte // BSON-encoded Insert/Update/Remove/IndexPayload
}

func (r Record) Timestamp() time.Time {
	return time.UnixMilli(int64(r.TimestampMillis))
}

// encodePayload BSON-marshals v for use as a Record's Payload.
func encodePayload(v any) ([]byte, error) {
	return bson.Marshal(v)
}

func decodePayload(data []byte, v any) error {
	return bson.Unmarshal(data, v)
}

// encode frames r as: u64 sequence, u64 timestamp, u8 kind, u32
// collection-name length + utf8 bytes, u32 payload length + bytes, u32
// IEEE CRC32 checksum over everything preceding it. hash/crc32 and
// encoding/binary are stdlib by necessity — this is a bespoke binary
// log-record format the spec pins down byte-for-byte and no pack example
// ships a reusable length-prefixed-record-with-checksum framer.
func (r Record) encode() []byte {
	collBytes := []byte(r.Collection)
	size := 8 + 8 + 1 + 4 + len(collBytes) + 4 + len(r.Payload)
	buf := make([]byte, size, size+4)

	off := 0
	binary.BigEndian.PutUint64(buf[off:], r.Sequence)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], r.TimestampMillis)
	off += 8
	buf[off] = byte(r.Kind)
	off++
	binary.BigEndian.PutUint32(buf[off:], uint32(len(collBytes)))
	off += 4
	copy(buf[off:], collBytes)
	off += len(collBytes)
	binary.BigEndian.PutUint32(buf[off:], uint32(len(r.Payload)))
	off += 4
	copy(buf[off:], r.Payload)

	checksum := crc32.ChecksumIEEE(buf)
	out := make([]byte, 0, len(buf)+4)
	out = append(out, buf...)
	out = binary.BigEndian.AppendUint32(out, checksum)
	return out
}

// decodeRecord reads exactly one framed record from r. It returns
// io.EOF only when the stream is cleanly exhausted between records; a
// truncated/partial final record returns errTruncated so the caller can
// discard it per §4.5's recovery rule 3.
func decodeRecord(r io.Reader) (Record, error) {
	header := make([]byte, 8+8+1+4)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return Record{}, io.EOF
		}
		return Record{}, errTruncated
	}

	rec := Record{}
	off := 0
	rec.Sequence = binary.BigEndian.Uint64(header[off:])
	off += 8
	rec.TimestampMillis = binary.BigEndian.Uint64(header[off:])
	off += 8
	rec.Kind = Kind(header[off])
	off++
	collLen := binary.BigEndian.Uint32(header[off:])

	collBytes := make([]byte, collLen)
	if _, err := io.ReadFull(r, collBytes); err != nil {
		return Record{}, errTruncated
	}
	rec.Collection = string(collBytes)

	var payloadLenBuf [4]byte
	if _, err := io.ReadFull(r, payloadLenBuf[:]); err != nil {
		return Record{}, errTruncated
	}
	payloadLen := binary.BigEndian.Uint32(payloadLenBuf[:])
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Record{}, errTruncated
	}
	rec.Payload = payload

	var checksumBuf [4]byte
	if _, err := io.ReadFull(r, checksumBuf[:]); err != nil {
		return Record{}, errTruncated
	}
	wantChecksum := binary.BigEndian.Uint32(checksumBuf[:])

	full := make([]byte, 0, len(header)+len(collBytes)+4+len(payload))
	full = append(full, header...)
	full = append(full, collBytes...)
	full = append(full, payloadLenBuf[:]...)
	full = append(full, payload...)
	gotChecksum := crc32.ChecksumIEEE(full)
	if gotChecksum != wantChecksum {
		return Record{}, document.ErrChecksumMismatch.With("sequence", rec.Sequence)
	}

	return rec, nil
}

// errTruncated marks a record that could not be fully read — the
// partial final record at the end of a WAL segment written when the
// process crashed mid-append. It is a sentinel distinct from
// document.Error so segment replay can tell "stop, discard the rest"
// from a real data-integrity failure on a fully-read record.
var errTruncated = truncatedError{}

type truncatedError struct{}

func (truncatedError) Error() string { return "wal: truncated record" }
