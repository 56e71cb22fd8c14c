// Package proxy picks the outbound proxy for a run from a configured pool.
//
// Round-robin rotation spans invocations: the next index is persisted in a
// small state file so consecutive runs use consecutive endpoints.
package proxy

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sync"

	"github.com/pithecene-io/courier/iox"
	"github.com/pithecene-io/courier/types"
)

// rotationState is the persisted round-robin position per pool.
type rotationState struct {
	Next map[string]int64 `json:"next"`
}

// Selector manages proxy selection from pools.
// Thread-safe for concurrent access.
type Selector struct {
	mu        sync.Mutex
	pools     map[string]*types.ProxyPool
	statePath string
	// memory holds rotation when no state file is configured.
	memory map[string]int64
}

// NewSelector creates a selector. statePath may be empty, in which case
// round-robin rotation only spans the lifetime of the selector.
func NewSelector(statePath string) *Selector {
	return &Selector{
		pools:     make(map[string]*types.ProxyPool),
		statePath: statePath,
		memory:    make(map[string]int64),
	}
}

// RegisterPool registers a proxy pool and returns its soft warnings.
func (s *Selector) RegisterPool(pool *types.ProxyPool) ([]string, error) {
	if err := pool.Validate(); err != nil {
		return nil, fmt.Errorf("pool validation failed: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools[pool.Name] = pool
	return pool.Warnings(), nil
}

// Select picks an endpoint from the named pool and advances rotation.
func (s *Selector) Select(poolName string) (*types.ProxyEndpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pool, ok := s.pools[poolName]
	if !ok {
		return nil, fmt.Errorf("pool %q not found", poolName)
	}

	var idx int
	var err error
	switch pool.Strategy {
	case types.ProxyStrategyRoundRobin:
		idx, err = s.selectRoundRobin(pool)
	case types.ProxyStrategyRandom:
		idx, err = selectRandom(len(pool.Endpoints))
	default:
		err = fmt.Errorf("unknown strategy %q", pool.Strategy)
	}
	if err != nil {
		return nil, err
	}

	ep := pool.Endpoints[idx]
	return &ep, nil
}

func (s *Selector) selectRoundRobin(pool *types.ProxyPool) (int, error) {
	if s.statePath == "" {
		next := s.memory[pool.Name]
		s.memory[pool.Name] = next + 1
		return int(next % int64(len(pool.Endpoints))), nil
	}

	state, err := s.readState()
	if err != nil {
		return 0, err
	}
	next := state.Next[pool.Name]
	state.Next[pool.Name] = next + 1
	if err := s.writeState(state); err != nil {
		return 0, err
	}
	return int(next % int64(len(pool.Endpoints))), nil
}

func (s *Selector) readState() (*rotationState, error) {
	state := &rotationState{Next: make(map[string]int64)}
	data, err := os.ReadFile(s.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read proxy rotation: %w", err)
	}
	if err := json.Unmarshal(data, state); err != nil {
		// A damaged rotation file only costs fairness; start over.
		return &rotationState{Next: make(map[string]int64)}, nil
	}
	if state.Next == nil {
		state.Next = make(map[string]int64)
	}
	return state, nil
}

func (s *Selector) writeState(state *rotationState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := iox.WriteFileAtomic(s.statePath, data, 0o644, 0o755); err != nil {
		return fmt.Errorf("write proxy rotation: %w", err)
	}
	return nil
}

// selectRandom selects uniformly at random.
func selectRandom(n int) (int, error) {
	if n == 1 {
		return 0, nil
	}
	bigIdx, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("random selection failed: %w", err)
	}
	return int(bigIdx.Int64()), nil
}
