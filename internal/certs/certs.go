// Package certs maintains the root authentication certificate: a random
// token written under <ServerRoot>/certs that local clients present to
// prove same-host identity. The scheduler rotates it on a fixed cadence.
package certs

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// RootName is the root certificate's file name under the certs dir.
const RootName = "0"

// Store writes and rotates certificates under dir.
type Store struct {
	log *zap.Logger
	dir string
}

// NewStore prepares <serverRoot>/certs and issues the initial root cert.
func NewStore(log *zap.Logger, serverRoot string) (*Store, error) {
	dir := filepath.Join(serverRoot, "certs")
	if err := os.MkdirAll(dir, 0o711); err != nil {
		return nil, errors.Wrap(err, "create certs dir")
	}

	s := &Store{log: log.Named("certs"), dir: dir}
	if err := s.Rotate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) path() string {
	return filepath.Join(s.dir, RootName)
}

// Rotate deletes the current root certificate and issues a fresh one.
func (s *Store) Rotate() error {
	if err := os.Remove(s.path()); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove root cert")
	}

	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return errors.Wrap(err, "generate root cert")
	}

	cert := hex.EncodeToString(raw[:])
	if err := os.WriteFile(s.path(), []byte(cert), 0o600); err != nil {
		return errors.Wrap(err, "write root cert")
	}

	s.log.Debug("root certificate rotated")
	return nil
}

// Current reads the active root certificate.
func (s *Store) Current() (string, error) {
	b, err := os.ReadFile(s.path())
	if err != nil {
		return "", errors.Wrap(err, "read root cert")
	}
	return string(b), nil
}
