package protocol

import "strconv"

// Identity is the protocol-level identity of a character: the agent itself,
// a counterparty, or the actor field carried on an echoed event.
type Identity uint32

// None is the zero Identity. The protocol never assigns it to a character.
const None Identity = 0

// IsNone reports whether the identity is unset.
func (id Identity) IsNone() bool {
	return id == None
}

// String returns the decimal form used in logs and owner keys.
func (id Identity) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseIdentity parses the decimal form produced by String.
func ParseIdentity(s string) (Identity, bool) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return None, false
	}
	return Identity(v), true
}
