// Package store implements the data store (L4): named, user-editable
// request/response templates addressable by a sanitized key, each carrying
// a permanent short id from the registry (L5).
package store

import (
	"regexp"
	"sync"

	"github.com/follgate/tollbooth/internal/apperr"
	"github.com/follgate/tollbooth/internal/domain"
	"github.com/follgate/tollbooth/internal/shortid"
)

var unsafeKeyChar = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SanitizeKey replaces every character outside [A-Za-z0-9._-] with '_', so a
// user-supplied key can never escape the storage namespace (§4.9).
func SanitizeKey(key string) string {
	return unsafeKeyChar.ReplaceAllString(key, "_")
}

// Store holds stored requests and responses, keyed by sanitized key, each
// carrying a short id minted on first save.
type Store struct {
	mu        sync.RWMutex
	requests  map[string]*domain.StoredRequest
	responses map[string]*domain.StoredResponse
	ids       *shortid.Registry
}

func New(ids *shortid.Registry) *Store {
	return &Store{
		requests:  make(map[string]*domain.StoredRequest),
		responses: make(map[string]*domain.StoredResponse),
		ids:       ids,
	}
}

// PutRequest saves or overwrites the stored request at key, minting a short
// id on first save and preserving it on every later overwrite.
func (s *Store) PutRequest(r *domain.StoredRequest, now int64) *domain.StoredRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := SanitizeKey(r.Key)
	r.Key = key
	if existing, ok := s.requests[key]; ok {
		r.Metadata.ShortID = existing.Metadata.ShortID
		r.Metadata.CreatedAt = existing.Metadata.CreatedAt
	} else {
		r.Metadata.ShortID = s.ids.Assign(shortid.KindRequest, key)
		r.Metadata.CreatedAt = now
	}
	s.requests[key] = r
	return r
}

// GetRequest accepts either the sanitized key or the request's short id
// (§4.9: "any public operation that takes an ID SHALL accept either form").
func (s *Store) GetRequest(idOrKey string) (*domain.StoredRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := s.resolveRequestKey(idOrKey)
	r, ok := s.requests[key]
	return r, ok
}

func (s *Store) resolveRequestKey(idOrKey string) string {
	if full, ok := s.ids.Resolve(shortid.KindRequest, idOrKey); ok {
		return full
	}
	return SanitizeKey(idOrKey)
}

// DeleteRequest removes the stored request. Its short id is never reused
// (§8's short-ID permanence invariant).
func (s *Store) DeleteRequest(idOrKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.resolveRequestKey(idOrKey)
	if _, ok := s.requests[key]; !ok {
		return false
	}
	delete(s.requests, key)
	s.ids.Forget(shortid.KindRequest, key)
	return true
}

// ListRequests returns every stored request.
func (s *Store) ListRequests() []*domain.StoredRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.StoredRequest, 0, len(s.requests))
	for _, r := range s.requests {
		out = append(out, r)
	}
	return out
}

// PutResponse mirrors PutRequest for the response namespace.
func (s *Store) PutResponse(r *domain.StoredResponse, now int64) *domain.StoredResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := SanitizeKey(r.Key)
	r.Key = key
	if existing, ok := s.responses[key]; ok {
		r.Metadata.ShortID = existing.Metadata.ShortID
		r.Metadata.CreatedAt = existing.Metadata.CreatedAt
	} else {
		r.Metadata.ShortID = s.ids.Assign(shortid.KindResponse, key)
		r.Metadata.CreatedAt = now
	}
	s.responses[key] = r
	return r
}

func (s *Store) GetResponse(idOrKey string) (*domain.StoredResponse, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := s.resolveResponseKey(idOrKey)
	r, ok := s.responses[key]
	return r, ok
}

func (s *Store) resolveResponseKey(idOrKey string) string {
	if full, ok := s.ids.Resolve(shortid.KindResponse, idOrKey); ok {
		return full
	}
	return SanitizeKey(idOrKey)
}

func (s *Store) DeleteResponse(idOrKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.resolveResponseKey(idOrKey)
	if _, ok := s.responses[key]; !ok {
		return false
	}
	delete(s.responses, key)
	s.ids.Forget(shortid.KindResponse, key)
	return true
}

func (s *Store) ListResponses() []*domain.StoredResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.StoredResponse, 0, len(s.responses))
	for _, r := range s.responses {
		out = append(out, r)
	}
	return out
}

// MustGetResponse is a convenience for rule evaluation's serve_from_store
// action, surfacing a not-found as an apperr so callers can log/forward
// consistently with the rest of the core's error handling (§7).
func (s *Store) MustGetResponse(idOrKey string) (*domain.StoredResponse, error) {
	r, ok := s.GetResponse(idOrKey)
	if !ok {
		return nil, apperr.NotFound("stored response not found: " + idOrKey)
	}
	return r, nil
}
