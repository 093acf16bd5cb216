// Package auth supplies the bearer credential carried in the connect
// handshake: either HS256 tokens minted locally from a shared secret,
// or a pre-minted static token checked for expiry before every dial.
package auth
