package types

// Signature is the raw triple a backend produces before wire formatting.
// V is nil when the backend only returns r and s.
type Signature struct {
	R []byte
	S []byte
	V *byte
}

// WithRecovery returns a copy of the signature carrying a recovery id.
func (s Signature) WithRecovery(v byte) Signature {
	s.V = &v
	return s
}
