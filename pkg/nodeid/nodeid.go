// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package nodeid provides the identity types of a node: the UUID based NodeID
// and the human readable NodeName.
package nodeid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// NodeID is the stable identity of a node. The zero NodeID addresses any node.
type NodeID uuid.UUID

// Any is the zero NodeID, used as a wildcard.
var Any NodeID

// New creates a random NodeID.
func New() NodeID {
	return NodeID(uuid.New())
}

// Parse a NodeID from its braced ("{xxxxxxxx-...}"), dashed or plain hexadecimal form.
func Parse(s string) (NodeID, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "{")
	s = strings.TrimSuffix(s, "}")

	u, err := uuid.Parse(s)
	if err != nil {
		return Any, fmt.Errorf("invalid NodeID %q: %w", s, err)
	}
	return NodeID(u), nil
}

// MustParse is like Parse, but panics on an error.
func MustParse(s string) NodeID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// FromBytes creates a NodeID from its 16 byte representation.
func FromBytes(b []byte) (NodeID, error) {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return Any, err
	}
	return NodeID(u), nil
}

// IsAny checks if this is the zero NodeID.
func (id NodeID) IsAny() bool {
	return id == Any
}

// Bytes returns the 16 byte representation.
func (id NodeID) Bytes() []byte {
	b := make([]byte, 16)
	copy(b, id[:])
	return b
}

// String in the braced form, e.g., "{0f2fc5a5-5f3a-4e5c-9a3c-1d1f0c3f9c11}".
func (id NodeID) String() string {
	return "{" + uuid.UUID(id).String() + "}"
}

// Dashed returns the form without braces, as used in URL query parameters.
func (id NodeID) Dashed() string {
	return uuid.UUID(id).String()
}

// MarshalText implements encoding.TextMarshaler.
func (id NodeID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *NodeID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

var nodeNameRegexp = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.\-]*$`)

// maxNodeNameLength limits a NodeName's length.
const maxNodeNameLength = 1024

// ValidName checks if a NodeName is well formed. The empty name is valid and means "unnamed".
func ValidName(name string) bool {
	if name == "" {
		return true
	}
	return len(name) <= maxNodeNameLength && nodeNameRegexp.MatchString(name)
}
