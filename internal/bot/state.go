package bot

import (
	"fmt"
	"sync"

	"canteen/internal/lifecycle"
	"canteen/internal/occupancy"
	"canteen/internal/session"
)

// chatState is everything the bot keeps for one chat.
type chatState struct {
	session   *session.Context
	client    *lifecycle.Client
	canteenID string
	filter    occupancy.StatusFilter
}

type stateStore struct {
	mu        sync.Mutex
	m         map[int64]*chatState
	newClient func(chatID int64) *lifecycle.Client
}

func newStateStore(newClient func(chatID int64) *lifecycle.Client) *stateStore {
	return &stateStore{m: make(map[int64]*chatState), newClient: newClient}
}

// get returns the chat's state and whether it was just created.
func (s *stateStore) get(chatID int64) (*chatState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.m[chatID]
	if st != nil {
		return st, false
	}
	st = &chatState{
		session: session.New(),
		client:  s.newClient(chatID),
		filter:  occupancy.FilterAll,
	}
	s.m[chatID] = st
	return st, true
}

// peek returns the chat's state without creating it.
func (s *stateStore) peek(chatID int64) (*chatState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.m[chatID]
	return st, ok
}

func (s *stateStore) reset(chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, chatID)
}

func guardKey(chatID int64) string {
	return fmt.Sprintf("chat:%d", chatID)
}
