package envelope

import (
	"github.com/bytedance/sonic"

	"github.com/next-trace/scg-command-hub/contract/hub"
)

// Field numbers of the outer envelope. Producers rely on them; never renumber.
const (
	fieldUserAppKey   = 1
	fieldTenantAppKey = 2
	fieldUserID       = 3
	fieldEnvCode      = 4
	fieldAgentExpand  = 5
	fieldDataType     = 6
	fieldHostIP       = 7
	fieldVersion      = 8
	fieldStringValue  = 9
)

// Frame header written by producers that prefix the envelope. The signature byte
// can never start a valid envelope (it would encode wire type 7).
const (
	headerSignature byte = 0xEF
	headerVersion   byte = 0x10
	headerLen            = 4
)

// DefaultTypeCode tags agent data envelopes in the optional frame header.
const DefaultTypeCode uint16 = 1100

var json = sonic.ConfigStd

// Envelope is the outer binary record carried by the transport.
// StringValue holds the inner JSON object that becomes the record body.
type Envelope struct {
	UserAppKey   string
	TenantAppKey string
	UserID       string
	EnvCode      string
	AgentExpand  string
	DataType     int32
	HostIP       string
	Version      string
	StringValue  string

	present uint16
}

// SetBody marshals body into StringValue.
func (e *Envelope) SetBody(body map[string]any) error {
	s, err := json.MarshalToString(body)
	if err != nil {
		return err
	}

	e.StringValue = s

	return nil
}

// Headers returns one entry per metadata field present in the envelope.
// Envelopes built in code (not decoded) report every non-zero field.
func (e *Envelope) Headers() map[string]any {
	present := e.present
	if present == 0 {
		present = e.nonZero()
	}

	h := make(map[string]any, 8)
	put := func(field int, key string, v any) {
		if present&(1<<field) != 0 {
			h[key] = v
		}
	}

	put(fieldUserAppKey, hub.HeaderUserAppKey, e.UserAppKey)
	put(fieldTenantAppKey, hub.HeaderTenantAppKey, e.TenantAppKey)
	put(fieldUserID, hub.HeaderUserID, e.UserID)
	put(fieldEnvCode, hub.HeaderEnvCode, e.EnvCode)
	put(fieldAgentExpand, hub.HeaderAgentExpand, e.AgentExpand)
	put(fieldDataType, hub.HeaderDataType, e.DataType)
	put(fieldHostIP, hub.HeaderHostIP, e.HostIP)
	put(fieldVersion, hub.HeaderVersion, e.Version)

	return h
}

func (e *Envelope) nonZero() uint16 {
	var p uint16

	mark := func(field int, set bool) {
		if set {
			p |= 1 << field
		}
	}

	mark(fieldUserAppKey, e.UserAppKey != "")
	mark(fieldTenantAppKey, e.TenantAppKey != "")
	mark(fieldUserID, e.UserID != "")
	mark(fieldEnvCode, e.EnvCode != "")
	mark(fieldAgentExpand, e.AgentExpand != "")
	mark(fieldDataType, e.DataType != 0)
	mark(fieldHostIP, e.HostIP != "")
	mark(fieldVersion, e.Version != "")

	return p
}

func (e *Envelope) reset() { *e = Envelope{} }
