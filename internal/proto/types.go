// internal/proto/types.go
package proto

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

const KeySize = 32

// NodeID names a process in the distance space. It is regenerated on every start.
type NodeID [KeySize]byte

// Hash is the SHA3-256 identifier of a block.
type Hash [KeySize]byte

// Address is an opaque network locator; only equality is meaningful.
type Address string

type Signature struct {
	Name string
	ID   [KeySize]byte
}

type Tag struct {
	Name string
	ID   [KeySize]byte
}

func (id NodeID) String() string { return hex.EncodeToString(id[:]) }
func (h Hash) String() string    { return hex.EncodeToString(h[:]) }

func (id NodeID) IsZero() bool { return id == NodeID{} }

func (id NodeID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *NodeID) UnmarshalText(b []byte) error { return decodeKey(string(b), (*[KeySize]byte)(id)) }

func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Hash) UnmarshalText(b []byte) error { return decodeKey(string(b), (*[KeySize]byte)(h)) }

func decodeKey(s string, dst *[KeySize]byte) error {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("%w: key: %v", ErrMalformed, err)
	}
	if len(raw) != KeySize {
		return fmt.Errorf("%w: key length %d", ErrMalformed, len(raw))
	}
	copy(dst[:], raw)
	return nil
}

func (s Signature) String() string {
	return s.Name + "@" + hex.EncodeToString(s.ID[:])
}

func (t Tag) String() string {
	return t.Name + "#" + hex.EncodeToString(t.ID[:])
}

func (s Signature) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Signature) UnmarshalText(b []byte) error {
	name, id, err := splitIdentity(string(b), "@")
	if err != nil {
		return err
	}
	s.Name = name
	return decodeKey(id, &s.ID)
}

func (t Tag) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Tag) UnmarshalText(b []byte) error {
	name, id, err := splitIdentity(string(b), "#")
	if err != nil {
		return err
	}
	t.Name = name
	return decodeKey(id, &t.ID)
}

func splitIdentity(s, sep string) (string, string, error) {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return "", "", fmt.Errorf("%w: identity %q", ErrMalformed, s)
	}
	return s[:i], s[i+1:], nil
}

// Clue points at the root block of published content.
type Clue struct {
	Hash  Hash
	Depth uint32
}

// Certificate is carried verbatim; verification happens outside the exchange.
type Certificate struct {
	Signature Signature
	PublicKey []byte
	Value     []byte
}

type BroadcastClue struct {
	Type         string
	CreationTime time.Time
	Clue         Clue
	Certificate  Certificate
}

// Signature is the identity the broadcast clue is published under.
func (c BroadcastClue) Signature() Signature { return c.Certificate.Signature }

type UnicastClue struct {
	Type         string
	Signature    Signature
	CreationTime time.Time
	Clue         Clue
	Certificate  Certificate
}

type MulticastClue struct {
	Type         string
	Tag          Tag
	CreationTime time.Time
	Clue         Clue
	Certificate  Certificate
}
