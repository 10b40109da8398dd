// Package codec provides stripefs's standard CBOR encoding
// configuration.
//
// The striping wire protocol (package wire) never touches this
// package — headers and chunk payloads are fixed-width binary framed
// by hand, not CBOR. codec exists for the ambient diagnostics socket
// (package diag) that the client and server each expose alongside
// their data-path listeners: status queries and responses are small,
// self-delimiting CBOR values, so a Unix socket handler can decode one
// request and reply without a length-prefix framing layer of its own.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items.
// Same logical data always produces identical bytes.
//
// For buffer-oriented operations:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (the diagnostics socket):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
package codec
