package envelope

import (
	"encoding/binary"

	"google.golang.org/protobuf/encoding/protowire"
)

// Encoder serializes envelopes. The zero value writes bare envelopes.
// An Encoder reuses its buffer and must not be used concurrently.
type Encoder struct {
	header   bool
	typeCode uint16
	buf      []byte
}

// EncoderOption configures an Encoder.
type EncoderOption func(*Encoder)

// WithHeader prefixes every envelope with the frame header carrying typeCode.
func WithHeader(typeCode uint16) EncoderOption {
	return func(e *Encoder) {
		e.header = true
		e.typeCode = typeCode
	}
}

// NewEncoder constructs an Encoder.
func NewEncoder(opts ...EncoderOption) *Encoder {
	e := &Encoder{}
	for _, o := range opts {
		o(e)
	}

	return e
}

// Encode returns the wire form of env. The returned slice is owned by the caller.
func (e *Encoder) Encode(env Envelope) []byte {
	b := e.buf[:0]

	if e.header {
		b = append(b, headerSignature, headerVersion)
		b = binary.BigEndian.AppendUint16(b, e.typeCode)
	}

	b = appendString(b, fieldUserAppKey, env.UserAppKey)
	b = appendString(b, fieldTenantAppKey, env.TenantAppKey)
	b = appendString(b, fieldUserID, env.UserID)
	b = appendString(b, fieldEnvCode, env.EnvCode)
	b = appendString(b, fieldAgentExpand, env.AgentExpand)

	if env.DataType != 0 {
		b = protowire.AppendTag(b, fieldDataType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(env.DataType)))
	}

	b = appendString(b, fieldHostIP, env.HostIP)
	b = appendString(b, fieldVersion, env.Version)
	b = appendString(b, fieldStringValue, env.StringValue)

	e.buf = b

	return append([]byte(nil), b...)
}

// Marshal encodes env without a frame header.
func Marshal(env Envelope) []byte { return (&Encoder{}).Encode(env) }

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}

	b = protowire.AppendTag(b, num, protowire.BytesType)

	return protowire.AppendString(b, s)
}
