package envelope

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	berr "github.com/next-trace/scg-command-hub/contract/errors"
	"github.com/next-trace/scg-command-hub/contract/hub"
)

// Decoder turns raw transport payloads into message records.
// It keeps scratch state between calls and must be confined to one goroutine;
// share decoders through a Pool.
type Decoder struct {
	env Envelope
}

// NewDecoder constructs a Decoder.
func NewDecoder() *Decoder { return &Decoder{} }

// Decode parses raw into a record. A zero-length payload fails with ErrEmptyPayload,
// anything that is not a well-formed envelope with a JSON object body fails with
// ErrMalformedPayload.
func (d *Decoder) Decode(raw []byte, meta hub.RecordMeta) (hub.MessageRecord, error) {
	if len(raw) == 0 {
		return hub.MessageRecord{}, fmt.Errorf("decode %s: %w", describe(meta), berr.ErrEmptyPayload)
	}

	d.env.reset()

	if err := unmarshal(stripHeader(raw), &d.env); err != nil {
		return hub.MessageRecord{}, fmt.Errorf("decode %s: %w", describe(meta), errors.Join(berr.ErrMalformedPayload, err))
	}

	rec := hub.MessageRecord{Headers: d.env.Headers(), Meta: meta}

	if d.env.StringValue != "" {
		var body map[string]any
		if err := json.UnmarshalFromString(d.env.StringValue, &body); err != nil {
			return hub.MessageRecord{}, fmt.Errorf("decode %s body: %w", describe(meta), errors.Join(berr.ErrMalformedPayload, err))
		}

		if body == nil {
			return hub.MessageRecord{}, fmt.Errorf("decode %s body: %w: not an object", describe(meta), berr.ErrMalformedPayload)
		}

		rec.Body = body
	}

	return rec, nil
}

// Unmarshal decodes the outer envelope only.
func Unmarshal(raw []byte) (Envelope, error) {
	var env Envelope
	if len(raw) == 0 {
		return env, berr.ErrEmptyPayload
	}

	if err := unmarshal(stripHeader(raw), &env); err != nil {
		return Envelope{}, errors.Join(berr.ErrMalformedPayload, err)
	}

	return env, nil
}

func stripHeader(raw []byte) []byte {
	if len(raw) >= headerLen && raw[0] == headerSignature && raw[1] == headerVersion {
		return raw[headerLen:]
	}

	return raw
}

func unmarshal(b []byte, env *Envelope) error {
	if len(b) > 0 && b[0] == headerSignature {
		return errors.New("unsupported frame header")
	}

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}

		b = b[n:]

		if num == fieldDataType && typ == protowire.VarintType {
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return protowire.ParseError(m)
			}

			env.DataType = int32(v)
			env.present |= 1 << fieldDataType
			b = b[m:]

			continue
		}

		if dst := env.stringField(num); dst != nil && typ == protowire.BytesType {
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return protowire.ParseError(m)
			}

			*dst = v
			if num != fieldStringValue {
				env.present |= 1 << num
			}

			b = b[m:]

			continue
		}

		// unknown field or unexpected wire type for a known one
		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return protowire.ParseError(m)
		}

		b = b[m:]
	}

	return nil
}

func (e *Envelope) stringField(num protowire.Number) *string {
	switch num {
	case fieldUserAppKey:
		return &e.UserAppKey
	case fieldTenantAppKey:
		return &e.TenantAppKey
	case fieldUserID:
		return &e.UserID
	case fieldEnvCode:
		return &e.EnvCode
	case fieldAgentExpand:
		return &e.AgentExpand
	case fieldHostIP:
		return &e.HostIP
	case fieldVersion:
		return &e.Version
	case fieldStringValue:
		return &e.StringValue
	default:
		return nil
	}
}

func describe(m hub.RecordMeta) string {
	if m.Topic == "" {
		return "record"
	}

	return fmt.Sprintf("%s[%d]@%d", m.Topic, m.Partition, m.Offset)
}
