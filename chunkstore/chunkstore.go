// Package chunkstore keeps upload chunks on disk, one directory per
// session and one file per chunk index. A chunk is either fully written
// or absent: writes go to a temporary file renamed into place.
package chunkstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/hazyhaar/scribe/horosafe"
)

const (
	chunkPrefix = "chunk_"
	chunkSuffix = ".bin"
)

// ErrNotFound is returned when a chunk is absent.
var ErrNotFound = errors.New("chunkstore: chunk not found")

// Store is a filesystem chunk store rooted at a directory.
type Store struct {
	root string
}

// New returns a Store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("chunkstore: mkdir root: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the store directory.
func (s *Store) Root() string { return s.root }

func (s *Store) sessionDir(session string) (string, error) {
	if err := horosafe.ValidateIdentifier(session); err != nil {
		return "", fmt.Errorf("chunkstore: session: %w", err)
	}
	return horosafe.SafePath(s.root, session)
}

func chunkName(index int) string {
	return fmt.Sprintf("%s%06d%s", chunkPrefix, index, chunkSuffix)
}

// Put stores data as chunk index of session, replacing any previous
// content for that index.
func (s *Store) Put(session string, index int, data []byte) error {
	if index < 0 {
		return fmt.Errorf("chunkstore: negative index %d", index)
	}
	dir, err := s.sessionDir(session)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("chunkstore: mkdir session: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+chunkPrefix)
	if err != nil {
		return fmt.Errorf("chunkstore: temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chunkstore: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chunkstore: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chunkstore: close: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, chunkName(index))); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chunkstore: rename: %w", err)
	}
	return nil
}

// Open returns a reader on chunk index of session.
func (s *Store) Open(session string, index int) (io.ReadCloser, error) {
	dir, err := s.sessionDir(session)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(dir, chunkName(index)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%d", ErrNotFound, session, index)
	}
	return f, err
}

// Indices returns the stored chunk indices of session in ascending order.
// An unknown session has no chunks.
func (s *Store) Indices(session string) ([]int, error) {
	dir, err := s.sessionDir(session)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chunkstore: list: %w", err)
	}
	var out []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, chunkPrefix) || !strings.HasSuffix(name, chunkSuffix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, chunkPrefix), chunkSuffix))
		if err != nil || n < 0 {
			continue
		}
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}

// Size returns the total bytes stored for session.
func (s *Store) Size(session string) (int64, error) {
	idx, err := s.Indices(session)
	if err != nil {
		return 0, err
	}
	dir, _ := s.sessionDir(session)
	var total int64
	for _, i := range idx {
		fi, err := os.Stat(filepath.Join(dir, chunkName(i)))
		if err != nil {
			return 0, fmt.Errorf("chunkstore: stat: %w", err)
		}
		total += fi.Size()
	}
	return total, nil
}

// Delete removes every chunk of session. Deleting an unknown session is
// not an error.
func (s *Store) Delete(session string) error {
	dir, err := s.sessionDir(session)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("chunkstore: delete: %w", err)
	}
	return nil
}

// Sessions lists the sessions that currently have a chunk directory.
func (s *Store) Sessions() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: sessions: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}
