package capability

import (
	"fmt"
	"strings"
)

// TrustLevel classifies a script. Levels are ordered: a higher level may
// receive every capability a lower level may receive.
type TrustLevel int

const (
	// Untrusted is for community mods.
	Untrusted TrustLevel = iota
	// Verified is for signed or reviewed mods.
	Verified
	// Trusted is for first-party developer scripts.
	Trusted
)

// Levels lists every trust level in ascending order.
var Levels = []TrustLevel{Untrusted, Verified, Trusted}

func (l TrustLevel) String() string {
	switch l {
	case Untrusted:
		return "untrusted"
	case Verified:
		return "verified"
	case Trusted:
		return "trusted"
	default:
		return fmt.Sprintf("trust(%d)", int(l))
	}
}

// Valid reports whether l is one of the defined levels.
func (l TrustLevel) Valid() bool {
	return l >= Untrusted && l <= Trusted
}

// ParseTrustLevel converts a level name to a TrustLevel.
func ParseTrustLevel(s string) (TrustLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "untrusted":
		return Untrusted, nil
	case "verified":
		return Verified, nil
	case "trusted":
		return Trusted, nil
	default:
		return Untrusted, fmt.Errorf("unknown trust level %q (expected untrusted, verified, or trusted)", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l TrustLevel) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid trust level %d", int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. YAML and JSON decoding
// both go through it.
func (l *TrustLevel) UnmarshalText(text []byte) error {
	parsed, err := ParseTrustLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
