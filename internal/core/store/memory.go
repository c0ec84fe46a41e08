package store

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/solatis/telemetryd/internal/types"
)

// Memory keeps telemetry state in process memory.
// Queues are copied through JSON on save and load so callers never share
// packet maps with the store, matching what a durable store would return.
type Memory struct {
	mu        sync.Mutex
	clientID  string
	hasClient bool
	optIn     types.OptIn
	queue     []byte
	saves     int
	failSaves error
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

// ClientID returns the stored client ID and whether one was set.
func (m *Memory) ClientID() (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clientID, m.hasClient, nil
}

// SetClientID stores the client ID.
func (m *Memory) SetClientID(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clientID = id
	m.hasClient = true
	return nil
}

// OptIn returns the stored consent state, OptInUndecided until set.
func (m *Memory) OptIn() (types.OptIn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.optIn, nil
}

// SetOptIn stores the consent state.
func (m *Memory) SetOptIn(v types.OptIn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.optIn = v
	return nil
}

// LoadQueue returns a fresh copy of the saved queue.
func (m *Memory) LoadQueue() ([]types.PacketInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return decodeQueue(m.queue)
}

// SaveQueue replaces the saved queue with a copy of queue.
func (m *Memory) SaveQueue(queue []types.PacketInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSaves != nil {
		return m.failSaves
	}
	data, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	m.queue = data
	m.saves++
	return nil
}

// Saves reports how many queue saves succeeded.
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// FailSaves makes subsequent SaveQueue calls return err; nil restores normal saves.
func (m *Memory) FailSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSaves = err
}

func decodeQueue(data []byte) ([]types.PacketInfo, error) {
	if len(data) == 0 {
		return []types.PacketInfo{}, nil
	}
	var raw []struct {
		Attempts int             `json:"attempts"`
		Packet   json.RawMessage `json:"packet"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode queue: %w", err)
	}
	queue := make([]types.PacketInfo, 0, len(raw))
	for _, r := range raw {
		packet, err := types.DecodePacket(r.Packet)
		if err != nil {
			return nil, fmt.Errorf("decode queue: %w", err)
		}
		queue = append(queue, types.PacketInfo{Attempts: r.Attempts, Packet: packet})
	}
	return queue, nil
}
