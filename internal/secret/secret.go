// Package secret wraps credential strings so they cannot leak through
// logging or JSON serialization.
package secret

// Secret is a string whose formatted representations are redacted. Call
// Value to get the underlying string.
type Secret string

const redacted = "***"

func (s Secret) String() string {
	return redacted
}

// Value returns the underlying secret string.
func (s Secret) Value() string {
	return string(s)
}

// IsEmpty reports whether no secret is set.
func (s Secret) IsEmpty() bool {
	return s == ""
}

// MarshalJSON always emits the redacted form.
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}
