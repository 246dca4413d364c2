// Package wire encodes events, batches and acks in protobuf wire format.
//
// Messages are hand-encoded with protowire so the SDK carries no generated
// code. Field numbers are stable; unknown fields are skipped on decode so
// older clients keep working against newer backends.
//
//	message Event { string guid = 1; int64 timestamp_ms = 2; string type = 3;
//	                string category = 4; bytes payload = 5; bool mirrored = 6; }
//	message Batch { string uuid = 1; repeated Event events = 2; int64 sent_at_ms = 3; }
//	message Ack   { string guid = 1; Status status = 2; Code code = 3; string detail = 4; }
package wire

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/snehjoshi/beacon/internal/types"
)

// ErrMalformed is returned when a buffer is not a valid encoding.
var ErrMalformed = errors.New("wire: malformed message")

const (
	eventGUID      protowire.Number = 1
	eventTimestamp protowire.Number = 2
	eventType      protowire.Number = 3
	eventCategory  protowire.Number = 4
	eventPayload   protowire.Number = 5
	eventMirrored  protowire.Number = 6

	batchUUID   protowire.Number = 1
	batchEvents protowire.Number = 2
	batchSentAt protowire.Number = 3

	ackGUID   protowire.Number = 1
	ackStatus protowire.Number = 2
	ackCode   protowire.Number = 3
	ackDetail protowire.Number = 4
)

// AppendEvent appends the encoding of ev to b.
func AppendEvent(b []byte, ev *types.Event) []byte {
	b = appendString(b, eventGUID, ev.GUID)
	if !ev.Timestamp.IsZero() {
		b = protowire.AppendTag(b, eventTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(ev.Timestamp.UnixMilli()))
	}
	b = appendString(b, eventType, ev.Type)
	b = appendString(b, eventCategory, ev.Category)
	if len(ev.Payload) > 0 {
		b = protowire.AppendTag(b, eventPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, ev.Payload)
	}
	if ev.IsMirrored {
		b = protowire.AppendTag(b, eventMirrored, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

// MarshalEvent returns the encoding of ev.
func MarshalEvent(ev *types.Event) []byte {
	return AppendEvent(make([]byte, 0, 32+len(ev.Payload)), ev)
}

// UnmarshalEvent decodes one event.
func UnmarshalEvent(b []byte) (*types.Event, error) {
	ev := &types.Event{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == eventGUID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			ev.GUID = v
			return n, nil
		case num == eventTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			ev.Timestamp = time.UnixMilli(int64(v)).UTC()
			return n, nil
		case num == eventType && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			ev.Type = v
			return n, nil
		case num == eventCategory && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			ev.Category = v
			return n, nil
		case num == eventPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			ev.Payload = append([]byte(nil), v...)
			return n, nil
		case num == eventMirrored && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			ev.IsMirrored = protowire.DecodeBool(v)
			return n, nil
		}
		return skip(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// MarshalBatch encodes a batch stamped with sentAt.
func MarshalBatch(batch *types.Batch, sentAt time.Time) []byte {
	size := 16 + len(batch.UUID)
	for _, ev := range batch.Events {
		size += 48 + len(ev.Payload)
	}
	b := make([]byte, 0, size)
	b = appendString(b, batchUUID, batch.UUID)

	var scratch []byte
	for _, ev := range batch.Events {
		scratch = AppendEvent(scratch[:0], ev)
		b = protowire.AppendTag(b, batchEvents, protowire.BytesType)
		b = protowire.AppendBytes(b, scratch)
	}
	if !sentAt.IsZero() {
		b = protowire.AppendTag(b, batchSentAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(sentAt.UnixMilli()))
	}
	return b
}

// UnmarshalBatch decodes a batch and returns its send timestamp.
func UnmarshalBatch(b []byte) (*types.Batch, time.Time, error) {
	batch := &types.Batch{}
	var sentAt time.Time
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == batchUUID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			batch.UUID = v
			return n, nil
		case num == batchEvents && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			ev, err := UnmarshalEvent(v)
			if err != nil {
				return 0, err
			}
			batch.Events = append(batch.Events, ev)
			return n, nil
		case num == batchSentAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			sentAt = time.UnixMilli(int64(v)).UTC()
			return n, nil
		}
		return skip(num, typ, b), nil
	})
	if err != nil {
		return nil, time.Time{}, err
	}
	return batch, sentAt, nil
}

// BatchGUID reads only the uuid field of an encoded batch.
func BatchGUID(b []byte) (string, error) {
	var guid string
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == batchUUID && typ == protowire.BytesType && guid == "" {
			v, n := protowire.ConsumeString(b)
			guid = v
			return n, nil
		}
		return skip(num, typ, b), nil
	})
	return guid, err
}

// walk iterates over the top-level fields of b. fn consumes the field value
// starting right after the tag and returns its length.
func walk(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) int {
	return protowire.ConsumeFieldValue(num, typ, b)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}
