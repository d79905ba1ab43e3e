// Package crypto provides the cryptographic building blocks for the TLS 1.3
// handshake core: HKDF stages, the transcript hash, the key schedule,
// key-share groups, and AEAD traffic keys.
//
// Security Note: All random number generation draws from crypto/rand,
// which sources entropy from the operating system's CSPRNG.
package crypto
