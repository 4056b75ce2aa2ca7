// Package manifest reads the capability header a script declares.
//
// Lua scripts open with a block comment whose first word is "manifest":
//
//	--[[manifest
//	name: patrol
//	trust: verified
//	capabilities: [log, entity.read, entity.move]
//	]]
//
// WebAssembly modules carry the same YAML document in a custom section named
// "manifest". A script without a header requests nothing.
package manifest

import (
	"bytes"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/caffeineduck/moonguard/capability"
)

// SectionName is the WebAssembly custom section holding the manifest.
const SectionName = "manifest"

var (
	// ErrUnterminated is returned when a Lua header is opened but never closed.
	ErrUnterminated = errors.New("unterminated manifest header")

	luaOpen  = []byte("--[[manifest")
	luaClose = []byte("]]")
)

// Manifest is what a script asks for. Trust is a request only; the host
// decides the level the script actually runs at.
type Manifest struct {
	Name         string                  `yaml:"name,omitempty" json:"name,omitempty"`
	Trust        *capability.TrustLevel  `yaml:"trust,omitempty" json:"trust,omitempty"`
	Capabilities []capability.Capability `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
}

// Parse decodes a YAML manifest document. Empty input yields an empty
// manifest.
func Parse(data []byte) (*Manifest, error) {
	m := &Manifest{}
	if len(bytes.TrimSpace(data)) == 0 {
		return m, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	seen := make(map[capability.Capability]bool, len(m.Capabilities))
	caps := m.Capabilities[:0]
	for _, c := range m.Capabilities {
		if c == "" {
			return nil, fmt.Errorf("parse manifest: empty capability name")
		}
		if !seen[c] {
			seen[c] = true
			caps = append(caps, c)
		}
	}
	m.Capabilities = caps
	return m, nil
}

// FromLua extracts the header of a Lua source. Leading blank lines and a
// shebang line are skipped; anything else before the header means there is
// none.
func FromLua(src []byte) (*Manifest, error) {
	rest := bytes.TrimLeft(src, " \t\r\n")
	if bytes.HasPrefix(rest, []byte("#!")) {
		if i := bytes.IndexByte(rest, '\n'); i >= 0 {
			rest = bytes.TrimLeft(rest[i+1:], " \t\r\n")
		} else {
			rest = nil
		}
	}
	if !bytes.HasPrefix(rest, luaOpen) {
		return &Manifest{}, nil
	}
	body := rest[len(luaOpen):]
	end := bytes.Index(body, luaClose)
	if end < 0 {
		return nil, ErrUnterminated
	}
	return Parse(body[:end])
}

// Requested returns the requested capabilities as a set.
func (m *Manifest) Requested() capability.Set {
	if m == nil {
		return capability.NewSet()
	}
	return capability.NewSet(m.Capabilities...)
}

// TrustOr returns the requested trust level, or def when none was requested.
func (m *Manifest) TrustOr(def capability.TrustLevel) capability.TrustLevel {
	if m == nil || m.Trust == nil {
		return def
	}
	return *m.Trust
}

// Marshal encodes the manifest as YAML, the form embedded in WebAssembly
// custom sections.
func (m *Manifest) Marshal() ([]byte, error) {
	return yaml.Marshal(m)
}
