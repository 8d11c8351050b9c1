package auth

// DefaultWireKey is the XOR key shared by both directions of the wire
// protocol unless overridden in configuration.
const DefaultWireKey = 0x42

// Encrypt XORs every byte of data with key, in place.
func Encrypt(data []byte, key byte) {
	for i := range data {
		data[i] ^= key
	}
}

// Decrypt reverses Encrypt. XOR is symmetric, so this is the same
// operation; the name keeps call sites honest about direction.
func Decrypt(data []byte, key byte) {
	Encrypt(data, key)
}
