package wire

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Status is the outcome carried by an Ack.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusOK
	StatusRejected
)

// Code qualifies a rejected Ack.
type Code uint8

const (
	CodeNone Code = iota
	CodeBadRequest
	CodeUserLimitReached
	// CodeConnectionLimitReached asks the client to cycle its connection.
	CodeConnectionLimitReached
)

// String returns a human-readable representation of the code.
func (c Code) String() string {
	switch c {
	case CodeNone:
		return "none"
	case CodeBadRequest:
		return "bad_request"
	case CodeUserLimitReached:
		return "user_limit_reached"
	case CodeConnectionLimitReached:
		return "connection_limit_reached"
	default:
		return "unknown"
	}
}

// Ack is the backend's application-level response to one batch.
type Ack struct {
	GUID   string `json:"guid"`
	Status Status `json:"status"`
	Code   Code   `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// OK reports whether the backend accepted the batch.
func (a Ack) OK() bool { return a.Status == StatusOK }

// MarshalAck encodes an ack.
func MarshalAck(a Ack) []byte {
	b := make([]byte, 0, 16+len(a.GUID)+len(a.Detail))
	b = appendString(b, ackGUID, a.GUID)
	if a.Status != StatusUnknown {
		b = protowire.AppendTag(b, ackStatus, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(a.Status))
	}
	if a.Code != CodeNone {
		b = protowire.AppendTag(b, ackCode, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(a.Code))
	}
	return appendString(b, ackDetail, a.Detail)
}

// UnmarshalAck decodes an ack.
func UnmarshalAck(b []byte) (Ack, error) {
	var a Ack
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == ackGUID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			a.GUID = v
			return n, nil
		case num == ackStatus && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			a.Status = Status(v)
			return n, nil
		case num == ackCode && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			a.Code = Code(v)
			return n, nil
		case num == ackDetail && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			a.Detail = v
			return n, nil
		}
		return skip(num, typ, b), nil
	})
	return a, err
}
