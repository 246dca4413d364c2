package wire_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/snehjoshi/beacon/internal/types"
	"github.com/snehjoshi/beacon/internal/wire"
)

func TestBatch_Decode(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_123).UTC()
	batch := &types.Batch{
		UUID: "0190a1b2-0000-7000-8000-000000000001",
		Events: []*types.Event{
			{GUID: "01A", Timestamp: ts, Type: types.TypeRealTime, Category: "User", Payload: []byte("hello"), IsMirrored: true},
			{GUID: "01B", Timestamp: ts, Type: types.TypeRealTime, Payload: []byte{0, 1, 2}},
		},
	}
	sentAt := ts.Add(time.Second)

	got, gotSent, err := wire.UnmarshalBatch(wire.MarshalBatch(batch, sentAt))
	require.NoError(t, err)
	assert.Equal(t, batch.UUID, got.UUID)
	assert.Equal(t, sentAt, gotSent)
	require.Len(t, got.Events, 2)
	assert.Equal(t, "User", got.Events[0].Category)
	assert.True(t, got.Events[0].IsMirrored)
	assert.Equal(t, []byte("hello"), got.Events[0].Payload)
	assert.Equal(t, ts, got.Events[0].Timestamp)
	assert.Equal(t, "realTime", got.Events[1].WireCategory())
}

func TestBatchGUID(t *testing.T) {
	b := wire.MarshalBatch(&types.Batch{UUID: "abc", Events: []*types.Event{{GUID: "x", Payload: []byte("p")}}}, time.Time{})
	guid, err := wire.BatchGUID(b)
	require.NoError(t, err)
	assert.Equal(t, "abc", guid)
}

func TestUnmarshal_SkipsUnknownFields(t *testing.T) {
	b := wire.MarshalEvent(&types.Event{GUID: "g", Type: "p0"})
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendString(b, "future")

	ev, err := wire.UnmarshalEvent(b)
	require.NoError(t, err)
	assert.Equal(t, "g", ev.GUID)
	assert.Equal(t, "p0", ev.Type)
}

func TestUnmarshal_Truncated(t *testing.T) {
	b := wire.MarshalEvent(&types.Event{GUID: "guid-value", Payload: []byte("payload")})
	_, err := wire.UnmarshalEvent(b[:len(b)-3])
	require.Error(t, err)
	assert.True(t, errors.Is(err, wire.ErrMalformed))
}

func TestAck(t *testing.T) {
	tests := []struct {
		name string
		ack  wire.Ack
		ok   bool
	}{
		{"accepted", wire.Ack{GUID: "g1", Status: wire.StatusOK}, true},
		{"connection limit", wire.Ack{GUID: "g2", Status: wire.StatusRejected, Code: wire.CodeConnectionLimitReached, Detail: "too many"}, false},
		{"bad request", wire.Ack{GUID: "g3", Status: wire.StatusRejected, Code: wire.CodeBadRequest}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := wire.UnmarshalAck(wire.MarshalAck(tc.ack))
			require.NoError(t, err)
			assert.Equal(t, tc.ack, got)
			assert.Equal(t, tc.ok, got.OK())
		})
	}
}

func TestCode_String(t *testing.T) {
	assert.Equal(t, "connection_limit_reached", wire.CodeConnectionLimitReached.String())
	assert.Equal(t, "unknown", wire.Code(42).String())
}
