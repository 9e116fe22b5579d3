package hub

import "time"

// Envelope header keys. A MessageRecord carries one entry per field present in the source envelope.
const (
	HeaderUserAppKey   = "userAppKey"
	HeaderTenantAppKey = "tenantAppKey"
	HeaderUserID       = "userId"
	HeaderEnvCode      = "envCode"
	HeaderAgentExpand  = "agentExpand"
	HeaderDataType     = "dataType"
	HeaderHostIP       = "hostIp"
	HeaderVersion      = "version"
)

// RecordMeta is the transport metadata of a polled record.
type RecordMeta struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Timestamp time.Time
	// Headers are transport-level headers, not envelope fields.
	Headers map[string]string
}

// RawRecord is one undecoded record returned by a Source poll.
type RawRecord struct {
	Meta  RecordMeta
	Value []byte
}

// MessageRecord is the decoded unit handed to a Callback.
// The hub holds no reference to it after delivery.
type MessageRecord struct {
	Headers map[string]any
	Body    map[string]any
	Meta    RecordMeta
}
