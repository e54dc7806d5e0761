package attachment

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/tailormesh/core"
	"github.com/hupe1980/tailormesh/internal/util"
)

// ErrNotFound is returned when no blob exists for a session/id pair.
var ErrNotFound = errors.New("attachment not found")

// Blob is a stored attachment.
type Blob struct {
	ID       string
	Filename string
	MimeType string
	Data     []byte
	Created  time.Time

	seq uint64
}

// Part returns the message reference for the blob.
func (b Blob) Part() core.FilePart {
	return core.FilePart{AttachmentID: b.ID, Filename: b.Filename, MimeType: b.MimeType, Size: len(b.Data)}
}

// InMemoryStore keeps blobs in a nested map guarded by an RWMutex. Data is
// copied on save and retrieval.
//
// Layout: sessionID -> attachmentID -> blob
type InMemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]map[string]Blob
	seq   uint64
}

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{blobs: make(map[string]map[string]Blob)}
}

// Save stores a copy of a and returns its generated reference.
func (s *InMemoryStore) Save(sessionID string, a Accepted) core.FilePart {
	b := Blob{
		ID:       util.NewPrefixedID("att"),
		Filename: a.Filename,
		MimeType: a.MimeType,
		Data:     append([]byte(nil), a.Data...),
		Created:  time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	b.seq = s.seq
	if _, ok := s.blobs[sessionID]; !ok {
		s.blobs[sessionID] = make(map[string]Blob)
	}
	s.blobs[sessionID][b.ID] = b
	return b.Part()
}

// Get returns a copy of the blob or ErrNotFound.
func (s *InMemoryStore) Get(sessionID, id string) (Blob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[sessionID][id]
	if !ok {
		return Blob{}, ErrNotFound
	}
	b.Data = append([]byte(nil), b.Data...)
	return b, nil
}

// Resolve turns a FilePart into the BlobPart sent to a provider.
func (s *InMemoryStore) Resolve(sessionID string, ref core.FilePart) (core.BlobPart, error) {
	b, err := s.Get(sessionID, ref.AttachmentID)
	if err != nil {
		return core.BlobPart{}, err
	}
	return core.BlobPart{Filename: b.Filename, MimeType: b.MimeType, Data: b.Data}, nil
}

// List returns the session's attachment references ordered by creation.
func (s *InMemoryStore) List(sessionID string) []core.FilePart {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blobs := make([]Blob, 0, len(s.blobs[sessionID]))
	for _, b := range s.blobs[sessionID] {
		blobs = append(blobs, b)
	}
	sort.Slice(blobs, func(i, j int) bool { return blobs[i].seq < blobs[j].seq })
	out := make([]core.FilePart, len(blobs))
	for i, b := range blobs {
		out[i] = b.Part()
	}
	return out
}

// Delete removes the referenced blobs of a session. Unknown ids are ignored.
func (s *InMemoryStore) Delete(sessionID string, refs ...core.FilePart) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blobs, ok := s.blobs[sessionID]
	if !ok {
		return
	}
	for _, ref := range refs {
		delete(blobs, ref.AttachmentID)
	}
	if len(blobs) == 0 {
		delete(s.blobs, sessionID)
	}
}

// DeleteSession drops every blob of the session.
func (s *InMemoryStore) DeleteSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, sessionID)
}
