package catalog

import (
	"sync/atomic"

	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/pkgmeta"
)

// Store holds the latest Snapshot and is safe for concurrent use.
type Store struct {
	active atomic.Pointer[Snapshot]
}

func NewStore() *Store { return &Store{} }

// Set publishes s.
func (s *Store) Set(snap *Snapshot) {
	s.active.Store(snap)
}

// Get returns the current snapshot.
func (s *Store) Get() (*Snapshot, bool) {
	snap := s.active.Load()
	return snap, snap != nil
}

// Package looks up one package in the current snapshot.
func (s *Store) Package(id pkgmeta.ID) (*Package, bool) {
	snap := s.active.Load()
	if snap == nil {
		return nil, false
	}
	p, ok := snap.Packages[id]
	return p, ok
}
