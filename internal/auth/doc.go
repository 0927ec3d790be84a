// Package auth authenticates devices connecting to V900 Core.
//
// Each device may have a pairing token. Only the SHA-256 hash of a token is
// stored (device_tokens table); presented tokens are hashed and compared in
// constant time.
//
// A device with a stored token must present a matching token. What happens
// to a device without one depends on the policy:
//
//	open    accept (first-time pairing is implicit; the default)
//	pin     accept and store the presented token (trust on first use)
//	strict  reject
package auth
