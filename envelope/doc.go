/*
Package envelope implements the two-stage wire format consumed by the hub.

The outer stage is a protobuf-wire record carrying fixed metadata fields
(userAppKey, tenantAppKey, userId, envCode, agentExpand, dataType, hostIp,
version) and a stringValue field. The inner stage is the JSON object held in
stringValue, decoded into a generic map. Producers may prefix the record with a
4-byte frame header; decoders accept both forms.
*/
package envelope
