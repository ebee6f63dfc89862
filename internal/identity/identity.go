// Package identity persists a station's long-lived X25519 keypair to
// disk so the same static key survives process restarts, the way a
// station's amateur-radio call sign persists across sessions. Grounded
// on the teacher's internal/crypto/identity.LoadOrCreate (default path
// under the user's home directory, generate-on-first-run semantics),
// adapted from ed25519 signing keys to the X25519 keys
// swarm.StaticKeypair and the Noise IK handshake actually need.
package identity

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/qrpswarm/chunkswarm/internal/swarm"
)

// DefaultPaths returns the private/public key file paths under
// ~/.chunkswarm, used when the operator does not override them.
func DefaultPaths() (privPath, pubPath string, err error) {
	h, err := os.UserHomeDir()
	if err != nil {
		return "", "", err
	}
	dir := filepath.Join(h, ".chunkswarm")
	return filepath.Join(dir, "station.key"), filepath.Join(dir, "station.pub"), nil
}

// LoadOrCreate loads a station's static X25519 keypair from privPath,
// generating and persisting a fresh one if none exists yet.
func LoadOrCreate(privPath string) (swarm.StaticKeypair, error) {
	pubPath := privPath + ".pub"
	if privPath == "" {
		p, pub, err := DefaultPaths()
		if err != nil {
			return swarm.StaticKeypair{}, err
		}
		privPath, pubPath = p, pub
	}

	kp, err := load(privPath, pubPath)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return swarm.StaticKeypair{}, err
	}

	kp, err = swarm.GenerateStaticKeypair()
	if err != nil {
		return swarm.StaticKeypair{}, fmt.Errorf("identity: generate keypair: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(privPath), 0o700); err != nil {
		return swarm.StaticKeypair{}, fmt.Errorf("identity: create key directory: %w", err)
	}
	if err := write(privPath, pubPath, kp); err != nil {
		return swarm.StaticKeypair{}, err
	}
	return kp, nil
}

func load(privPath, pubPath string) (swarm.StaticKeypair, error) {
	var kp swarm.StaticKeypair
	privBytes, err := os.ReadFile(privPath)
	if err != nil {
		return kp, err
	}
	pubBytes, err := os.ReadFile(pubPath)
	if err != nil {
		return kp, err
	}
	priv, err := decode32(privBytes)
	if err != nil {
		return kp, fmt.Errorf("identity: invalid private key: %w", err)
	}
	pub, err := decode32(pubBytes)
	if err != nil {
		return kp, fmt.Errorf("identity: invalid public key: %w", err)
	}
	kp.Private, kp.Public = priv, pub
	return kp, nil
}

func write(privPath, pubPath string, kp swarm.StaticKeypair) error {
	if err := os.WriteFile(privPath, encode32(kp.Private), 0o600); err != nil {
		return fmt.Errorf("identity: write private key: %w", err)
	}
	if err := os.WriteFile(pubPath, encode32(kp.Public), 0o644); err != nil {
		return fmt.Errorf("identity: write public key: %w", err)
	}
	return nil
}

func encode32(b [32]byte) []byte {
	return []byte(base64.StdEncoding.EncodeToString(b[:]))
}

func decode32(b []byte) ([32]byte, error) {
	var out [32]byte
	dec, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(b)))
	if err != nil {
		return out, err
	}
	if len(dec) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(dec))
	}
	copy(out[:], dec)
	return out, nil
}
