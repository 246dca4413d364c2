// Package node owns the installation identity and the ULID source every
// event GUID comes from.
//
// The installation ULID is minted on first launch and kept in the SDK data
// directory; the socket handshake carries it so a collector can follow one
// device across reconnects. Event GUIDs share one monotone entropy source,
// which keeps bbolt key order equal to insertion order.
package node

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// idFile holds the installation ULID inside the data directory.
const idFile = "installation_id"

// ID is the textual form of an installation ULID.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether id is unset.
func (id ID) IsZero() bool { return id == "" }

// Identity describes this installation.
type Identity struct {
	id      ulid.ULID
	dataDir string
	minted  bool
}

// Load reads the installation identity from dataDir. The first launch mints a
// ULID and writes it atomically. An override other than "" or "auto" is used
// verbatim and never persisted.
func Load(dataDir, override string) (*Identity, error) {
	if dataDir == "" {
		return nil, errors.New("node: dataDir must not be empty")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("node: create data dir: %w", err)
	}

	if override != "" && override != "auto" {
		u, err := ulid.ParseStrict(override)
		if err != nil {
			return nil, fmt.Errorf("node: invalid id override %q: %w", override, err)
		}
		return &Identity{id: u, dataDir: dataDir}, nil
	}

	path := filepath.Join(dataDir, idFile)
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		u, perr := ulid.ParseStrict(strings.TrimSpace(string(raw)))
		if perr != nil {
			return nil, fmt.Errorf("node: %s is corrupt: %w", path, perr)
		}
		return &Identity{id: u, dataDir: dataDir}, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("node: read %s: %w", path, err)
	}

	u := next()
	if err := writeAtomic(path, []byte(u.String()+"\n")); err != nil {
		return nil, fmt.Errorf("node: persist id: %w", err)
	}
	return &Identity{id: u, dataDir: dataDir, minted: true}, nil
}

// ID returns the installation ULID.
func (n *Identity) ID() ID { return ID(n.id.String()) }

// DataDir returns the SDK data directory.
func (n *Identity) DataDir() string { return n.dataDir }

// FirstLaunch reports whether Load minted the identity in this process.
func (n *Identity) FirstLaunch() bool { return n.minted }

// InstalledAt is the time embedded in the installation ULID.
func (n *Identity) InstalledAt() time.Time { return ulid.Time(n.id.Time()) }

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), idFile+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// next draws from the shared monotone source. Overflowing the per-millisecond
// random component is the only failure, so it spins to the next millisecond.
func next() ulid.ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	for {
		u, err := ulid.New(ulid.Now(), entropy)
		if err == nil {
			return u
		}
		time.Sleep(time.Millisecond)
	}
}

// MustNewID returns a fresh event GUID.
func MustNewID() string { return next().String() }

// Time returns the timestamp embedded in a GUID produced by MustNewID.
func Time(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()), nil
}
