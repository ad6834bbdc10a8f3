package iptrust

import (
	"context"
	"sync"
)

type pairKey struct{ owner, ip string }

// MemoryStore keeps trust state in process. One mutex serialises every
// update, which trivially satisfies the per-pair requirement.
type MemoryStore struct {
	mu      sync.Mutex
	records map[pairKey]Record
	latest  map[pairKey]string
	tokens  map[string]Token
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[pairKey]Record),
		latest:  make(map[pairKey]string),
		tokens:  make(map[string]Token),
	}
}

func (s *MemoryStore) load(k pairKey) State {
	var st State
	if r, ok := s.records[k]; ok {
		st.Record = &r
	}
	if id, ok := s.latest[k]; ok {
		tok := s.tokens[id]
		st.Token = &tok
	}
	return st
}

func (s *MemoryStore) View(_ context.Context, owner, ip string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(pairKey{owner, ip}), nil
}

func (s *MemoryStore) Update(ctx context.Context, owner, ip string, fn func(*State) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := pairKey{owner, ip}
	st := s.load(k)
	prevID := s.latest[k]
	if err := fn(&st); err != nil {
		return err
	}
	if st.Record != nil {
		s.records[k] = *st.Record
	}
	if st.Token != nil && st.Token.ID != prevID {
		s.tokens[st.Token.ID] = *st.Token
		s.latest[k] = st.Token.ID
	}
	return nil
}

func (s *MemoryStore) UpdateToken(ctx context.Context, id string, fn func(*Token) error) (Token, error) {
	if err := ctx.Err(); err != nil {
		return Token{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens[id]
	if !ok {
		return Token{}, ErrTokenNotFound
	}
	if err := fn(&tok); err != nil {
		return Token{}, err
	}
	s.tokens[id] = tok
	return tok, nil
}

// Tokens returns every token for (owner, ip), for inspection in tests and tooling.
func (s *MemoryStore) Tokens(owner, ip string) []Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Token
	for _, t := range s.tokens {
		if t.Owner == owner && t.IP == ip {
			out = append(out, t)
		}
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
