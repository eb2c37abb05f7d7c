// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package keystore manages the filesystem-backed minion key directories
// under pki_dir. A minion's key lives in at most one of the accepted,
// pending or rejected directories; the denied directory is an orthogonal
// archive of presented keys that did not match an accepted one.
package keystore

import (
	"crypto/rsa"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hashicorp/brine/crypt"
)

// The four key directories under pki_dir.
const (
	DirAccepted = "minions"
	DirPending  = "minions_pre"
	DirRejected = "minions_rejected"
	DirDenied   = "minions_denied"
)

// State is the lifecycle state of a minion key as realized by which
// directory holds it.
type State int8

const (
	StateAbsent State = iota
	StatePending
	StateAccepted
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StatePending:
		return "pending"
	case StateAccepted:
		return "accepted"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// pubCacheSize bounds the parsed-public-key cache. Parsing a 4096-bit PEM on
// every request is measurable under load; accepted keys rarely change.
const pubCacheSize = 1024

// Store is the durable minion key store. Filesystem renames give us atomic
// state transitions, so concurrent workers need no in-process lock; only
// the parsed-key cache is shared mutable state and the LRU handles its own
// locking.
type Store struct {
	pkiDir string
	logger log.Logger

	pubCache *lru.Cache[string, *rsa.PublicKey]
}

// NewStore creates the four key directories as needed and returns a store.
func NewStore(pkiDir string, logger log.Logger) (*Store, error) {
	for _, dir := range []string{DirAccepted, DirPending, DirRejected, DirDenied} {
		if err := os.MkdirAll(filepath.Join(pkiDir, dir), 0o700); err != nil {
			return nil, fmt.Errorf("could not create key directory %s: %v", dir, err)
		}
	}
	cache, err := lru.New[string, *rsa.PublicKey](pubCacheSize)
	if err != nil {
		return nil, err
	}
	return &Store{
		pkiDir:   pkiDir,
		logger:   logger.Named("keystore"),
		pubCache: cache,
	}, nil
}

// ValidID reports whether id is a usable minion identity. IDs become file
// names under pki_dir, so anything that could escape the key directories is
// rejected. Checked on every inbound message, not just the handshake.
func ValidID(id string) bool {
	if id == "" {
		return false
	}
	if strings.ContainsRune(id, 0) {
		return false
	}
	if strings.ContainsAny(id, `/\`) {
		return false
	}
	if id == "." || id == ".." {
		return false
	}
	return true
}

// Status reports the key state for a minion, looking up accepted, then
// rejected, then pending.
func (s *Store) Status(id string) State {
	if !ValidID(id) {
		return StateAbsent
	}
	for _, probe := range []struct {
		dir   string
		state State
	}{
		{DirAccepted, StateAccepted},
		{DirRejected, StateRejected},
		{DirPending, StatePending},
	} {
		if _, err := os.Stat(s.keyPath(id, probe.dir)); err == nil {
			return probe.state
		}
	}
	return StateAbsent
}

// LoadPub reads a minion's stored key bytes from the given directory.
func (s *Store) LoadPub(id, dir string) ([]byte, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("%w: invalid minion ID %q", crypt.ErrInvalidKey, id)
	}
	return os.ReadFile(s.keyPath(id, dir))
}

// PubKey returns the parsed accepted public key for a minion, from cache
// when possible. A missing or corrupt key file returns an error; the caller
// decides whether that means absent (handshake) or mismatch (request path).
func (s *Store) PubKey(id string) (*rsa.PublicKey, error) {
	if key, ok := s.pubCache.Get(id); ok {
		return key, nil
	}
	raw, err := s.LoadPub(id, DirAccepted)
	if err != nil {
		return nil, err
	}
	key, err := crypt.ParsePubKeyPEM(raw)
	if err != nil {
		s.logger.Warn("corrupt accepted key file", "minion", id, "error", err)
		return nil, err
	}
	s.pubCache.Add(id, key)
	return key, nil
}

// StorePub atomically creates or overwrites a minion's key in the given
// directory via a temp file and rename.
func (s *Store) StorePub(id, dir string, pub []byte) error {
	if !ValidID(id) {
		return fmt.Errorf("%w: invalid minion ID %q", crypt.ErrInvalidKey, id)
	}
	path := s.keyPath(id, dir)
	tmp, err := os.CreateTemp(filepath.Join(s.pkiDir, dir), "."+id+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(pub); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	s.pubCache.Remove(id)
	return nil
}

// Move transitions a minion's key between directories with an atomic
// rename.
func (s *Store) Move(id, fromDir, toDir string) error {
	if !ValidID(id) {
		return fmt.Errorf("%w: invalid minion ID %q", crypt.ErrInvalidKey, id)
	}
	if err := os.Rename(s.keyPath(id, fromDir), s.keyPath(id, toDir)); err != nil {
		return fmt.Errorf("could not move key for %s from %s to %s: %v", id, fromDir, toDir, err)
	}
	s.pubCache.Remove(id)
	return nil
}

// Delete removes a minion's key from the given directory.
func (s *Store) Delete(id, dir string) error {
	if !ValidID(id) {
		return fmt.Errorf("%w: invalid minion ID %q", crypt.ErrInvalidKey, id)
	}
	if err := os.Remove(s.keyPath(id, dir)); err != nil && !os.IsNotExist(err) {
		return err
	}
	s.pubCache.Remove(id)
	return nil
}

// ArchiveDenied records a presented key that did not match the stored
// accepted key. Writes only into the denied directory; the accepted key is
// never touched.
func (s *Store) ArchiveDenied(id string, pub []byte) error {
	if !ValidID(id) {
		return fmt.Errorf("%w: invalid minion ID %q", crypt.ErrInvalidKey, id)
	}
	s.logger.Warn("archiving mismatching presented key", "minion", id)
	return s.StorePub(id, DirDenied, pub)
}

// List returns the sorted minion IDs present in a directory.
func (s *Store) List(dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.pkiDir, dir))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) keyPath(id, dir string) string {
	return filepath.Join(s.pkiDir, dir, id)
}
