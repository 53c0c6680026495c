// Package protocol defines the wire envelope exchanged between routers and
// workers.
//
// Every message on the persistent connection is a JSON envelope:
//
//	{"type": "message", "id": "<uuid>", "data": {...}, "timestamp": 1700000000.5}
//
// Seven message types exist: connect, disconnect, message, stream, complete,
// error and heartbeat. A complete or error envelope is terminal for its call
// id; no stream envelope for that call is processed afterwards.
//
// Encoding is deterministic and round-trip stable:
//
//	e := protocol.New(protocol.TypeMessage, id, map[string]any{"content": "ping"})
//	raw, _ := protocol.Encode(e)
//	back, _ := protocol.Decode(raw)
//	// back == e, including the timestamp
//
// Decoding a payload with an unknown type returns a *ProtocolError. Callers
// log it and drop the message; the session is not torn down.
package protocol
