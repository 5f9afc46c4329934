// Package omemo implements the cross-backend session management core
// of an OMEMO (XEP-0384) end-to-end encrypted messaging library.
//
// The package composes per-namespace cryptographic backends (X3DH +
// Double Ratchet, see the backend package and backends/omemo2) into a
// single Manager that owns the installation-wide identity key, device
// list caches, the own bundle lifecycle, trust evaluation, message
// fan-out and decryption routing, catch-up gating, and automated
// staleness responses.
//
// The Manager does not talk to the network and does not serialize
// stanzas: the application supplies a Transport for PEP uploads and
// downloads and a storage.KV for persistence, and transmits the
// structured messages the Manager returns.
package omemo
