// internal/crypto/crypto.go
package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/sha3"
)

const (
	staticPubFile  = "noise_pub.hex"
	staticPrivFile = "noise_priv.hex"
)

func SHA3_256(msg []byte) [32]byte {
	return sha3.Sum256(msg)
}

// HashBlock is the content identifier of a block.
func HashBlock(value []byte) [32]byte {
	return SHA3_256(value)
}

func KDF(label string, parts ...[]byte) [32]byte {
	buf := make([]byte, 0, len(label))
	buf = append(buf, label...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return SHA3_256(buf)
}

// NetworkKey derives the pre-shared key of a private overlay; empty password means none.
func NetworkKey(password string) []byte {
	if password == "" {
		return nil
	}
	k := KDF("relaymesh/network-psk/v1", []byte(password))
	return k[:]
}

// NewNodeID draws a fresh identifier for this process run.
func NewNodeID() ([32]byte, error) {
	var id [32]byte
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("node id: %w", err)
	}
	return id, nil
}

func SaveKeypair(dir string, pub, priv []byte) error {
	if len(pub) == 0 || len(priv) == 0 {
		return errors.New("empty key")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, staticPubFile), []byte(hex.EncodeToString(pub)), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, staticPrivFile), []byte(hex.EncodeToString(priv)), 0600)
}

func LoadKeypair(dir string) ([]byte, []byte, error) {
	pubHex, err := os.ReadFile(filepath.Join(dir, staticPubFile))
	if err != nil {
		return nil, nil, err
	}
	privHex, err := os.ReadFile(filepath.Join(dir, staticPrivFile))
	if err != nil {
		return nil, nil, err
	}
	pub, err := hex.DecodeString(strings.TrimSpace(string(pubHex)))
	if err != nil {
		return nil, nil, fmt.Errorf("bad %s", staticPubFile)
	}
	priv, err := hex.DecodeString(strings.TrimSpace(string(privHex)))
	if err != nil {
		return nil, nil, fmt.Errorf("bad %s", staticPrivFile)
	}
	return pub, priv, nil
}
