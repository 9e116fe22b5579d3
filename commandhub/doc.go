/*
Package commandhub routes command packets to registered handlers.

A Registry maps command identifiers to handlers and is shared by every
dispatch path. A Hub dispatches packets through the registry with optional
middleware, and a Router plugs the hub into the ingestion loop as its callback.
*/
package commandhub
