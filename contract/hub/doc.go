/*
Package hub holds the contracts shared by the command hub: command packets and
responses, decoded message records, the two-outcome callback and the transport
Source polled by the ingestion loop.
*/
package hub
