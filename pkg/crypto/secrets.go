// secrets.go holds the wipe helpers for secret byte slices.
//
// The ECDHE shared secret and the handshake-stage secrets must be erased
// as soon as they are no longer needed; the key schedule buffer lives for
// the connection's lifetime and is wiped on Close.
package crypto

// Zeroize overwrites sensitive data with zeros. The Go runtime may have
// already copied the data, and the compiler may optimize away the zeroing;
// for maximum assurance use OS-level memory protection in deployments.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroizeMultiple erases multiple byte slices.
func ZeroizeMultiple(slices ...[]byte) {
	for _, s := range slices {
		Zeroize(s)
	}
}
