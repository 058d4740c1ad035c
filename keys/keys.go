// Package keys loads keeper signing keys from key files or hex strings.
package keys

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	jsoniter "github.com/json-iterator/go"
)

// ErrNoKeys is returned when neither a key list nor a single key file is configured.
var ErrNoKeys = errors.New("no keeper key configured")

// ParseHex parses a hex encoded secp256k1 private key. Surrounding whitespace
// and a 0x prefix are ignored.
func ParseHex(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimSpace(hexKey)
	if hexKey == "" {
		return nil, errors.New("private key missing")
	}
	hexKey = strings.TrimPrefix(strings.TrimPrefix(hexKey, "0x"), "0X")
	pk, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return pk, nil
}

// LoadFile reads a key file holding one hex private key.
func LoadFile(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file %s: %w", path, err)
	}
	pk, err := ParseHex(string(data))
	if err != nil {
		return nil, fmt.Errorf("key file %s: %w", path, err)
	}
	return pk, nil
}

// ParseList decodes a JSON list of key file paths.
func ParseList(list string) ([]string, error) {
	var paths []string
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.UnmarshalFromString(list, &paths); err != nil {
		return nil, fmt.Errorf("parse key list: %w", err)
	}
	return paths, nil
}

// Load returns the keys named by keyList, a JSON list of key file paths, or,
// when the list is empty, the single key file keyFile. Any failure aborts the
// whole load.
func Load(keyList, keyFile string) ([]*ecdsa.PrivateKey, error) {
	var paths []string
	switch {
	case strings.TrimSpace(keyList) != "":
		var err error
		if paths, err = ParseList(keyList); err != nil {
			return nil, err
		}
	case strings.TrimSpace(keyFile) != "":
		paths = []string{strings.TrimSpace(keyFile)}
	}
	if len(paths) == 0 {
		return nil, ErrNoKeys
	}

	out := make([]*ecdsa.PrivateKey, 0, len(paths))
	for _, path := range paths {
		pk, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	return out, nil
}
