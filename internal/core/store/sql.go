// Package store implements durable storage for the telemetry client: the
// client identity, the consent state, and the pending packet queue.
//
// SQL is the production store (sqlite per user, or postgres). Memory offers
// the same contract without durability for tests and ephemeral agent runs.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/solatis/telemetryd/internal/core/db"
	"github.com/solatis/telemetryd/internal/types"
)

// Setting keys. The key set is fixed; values are plain text.
const (
	keyClientID = "client_id"
	keyOptIn    = "opt_in"
)

// NamedQueries is the subset of *db.Queries the SQL store needs.
type NamedQueries interface {
	Get(name string, dest interface{}, args ...interface{}) error
	Exec(name string, args ...interface{}) (sql.Result, error)
	Select(name string, dest interface{}, args ...interface{}) error
	InTx(ctx context.Context, fn func(tx *db.Tx) error) error
}

// SQL persists telemetry state through named queries.
type SQL struct {
	queries NamedQueries
	now     func() time.Time
}

// NewSQL creates a store over migrated tables.
func NewSQL(queries NamedQueries) *SQL {
	return &SQL{queries: queries, now: time.Now}
}

// ClientID returns the persisted client ID and whether one exists.
func (s *SQL) ClientID() (string, bool, error) {
	v, err := s.getSetting(keyClientID)
	if errors.Is(err, types.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// SetClientID persists the client ID.
func (s *SQL) SetClientID(id string) error {
	return s.setSetting(keyClientID, id)
}

// OptIn returns the persisted consent state. A missing row is OptInUndecided.
func (s *SQL) OptIn() (types.OptIn, error) {
	v, err := s.getSetting(keyOptIn)
	if errors.Is(err, types.ErrNotFound) {
		return types.OptInUndecided, nil
	}
	if err != nil {
		return types.OptInUndecided, err
	}
	return types.ParseOptIn(v)
}

// SetOptIn persists the consent state.
func (s *SQL) SetOptIn(v types.OptIn) error {
	return s.setSetting(keyOptIn, v.String())
}

// LoadQueue returns the persisted queue in FIFO order. An empty table is an empty queue.
func (s *SQL) LoadQueue() ([]types.PacketInfo, error) {
	var rows []struct {
		Position int    `db:"position"`
		Attempts int    `db:"attempts"`
		Packet   string `db:"packet"`
	}
	if err := s.queries.Select("list-queue", &rows); err != nil {
		return nil, fmt.Errorf("%w: list queue: %v", types.ErrStoreUnavailable, err)
	}

	queue := make([]types.PacketInfo, 0, len(rows))
	for _, r := range rows {
		packet, err := types.DecodePacket([]byte(r.Packet))
		if err != nil {
			return nil, fmt.Errorf("decode queue entry %d: %w", r.Position, err)
		}
		queue = append(queue, types.PacketInfo{Attempts: r.Attempts, Packet: packet})
	}
	return queue, nil
}

// SaveQueue replaces the persisted queue in one transaction.
// A failed save leaves the previous queue intact.
func (s *SQL) SaveQueue(queue []types.PacketInfo) error {
	err := s.queries.InTx(context.Background(), func(tx *db.Tx) error {
		if _, err := tx.Exec("clear-queue"); err != nil {
			return err
		}
		for i, info := range queue {
			body, err := json.Marshal(info.Packet)
			if err != nil {
				return fmt.Errorf("encode queue entry %d: %w", i, err)
			}
			if _, err := tx.Exec("insert-queue-entry", i, info.Attempts, string(body)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: save queue: %v", types.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *SQL) getSetting(key string) (string, error) {
	var value string
	err := s.queries.Get("get-setting", &value, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", types.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: get %s: %v", types.ErrStoreUnavailable, key, err)
	}
	return value, nil
}

func (s *SQL) setSetting(key, value string) error {
	_, err := s.queries.Exec("upsert-setting", key, value, s.now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("%w: set %s: %v", types.ErrStoreUnavailable, key, err)
	}
	return nil
}
