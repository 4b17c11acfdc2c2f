package secure

import "errors"

// ErrNotSecure is returned by Extract when the frame's APCI is not the
// secure service (§4.4 inbound step 1: "return as plain").
var ErrNotSecure = errors.New("secure: not a secure frame")

// ErrCryptoError covers MAC mismatch, decrypt failure, and malformed secure
// frames (§4.4 inbound, §6.5).
var ErrCryptoError = errors.New("secure: crypto error")

// ErrSeqNoError is a replay or out-of-order sequence number (§4.4 inbound
// step 5, §6.5).
var ErrSeqNoError = errors.New("secure: sequence number error")

// ErrAccessAndRoleError is a key-domain or access-check failure (§4.4
// inbound steps 6, 9; §6.5).
var ErrAccessAndRoleError = errors.New("secure: access/role error")

// ErrSecureSync is returned when a send is attempted before the peer's
// sequence counter has been synchronized (§8 boundary case).
var ErrSecureSync = errors.New("secure: sequence not synchronized")

// ErrNoKey is returned when no applicable key exists for a send (§4.4
// Outbound: "fails (returns empty) if no applicable key exists").
var ErrNoKey = errors.New("secure: no applicable key")
