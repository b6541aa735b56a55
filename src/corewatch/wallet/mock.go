package wallet

import (
	"context"
	"sync"

	"github.com/meridianpay/corewatch"
)

// StaticService is a test double returning pre-registered viewing-key
// handles, with no real key material or custody system behind it.
type StaticService struct {
	mu   sync.RWMutex
	keys map[string]corewatch.ViewingKeyHandle
}

// NewStaticService builds an empty StaticService.
func NewStaticService() *StaticService {
	return &StaticService{keys: make(map[string]corewatch.ViewingKeyHandle)}
}

// Register makes handle resolvable for its own address.
func (s *StaticService) Register(handle corewatch.ViewingKeyHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[handle.Address] = handle
}

func (s *StaticService) GetViewingKeyForAddress(_ context.Context, address string) (corewatch.ViewingKeyHandle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	handle, ok := s.keys[address]
	if !ok {
		return corewatch.ViewingKeyHandle{}, ErrUnknownAddress
	}
	return handle, nil
}

var _ Service = (*StaticService)(nil)
