package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Watch delivers change feed entries written by other store instances,
// starting from the moment of the call. Entries written through this
// instance are filtered out, so a consumer never reacts to its own writes.
// The channel is closed when ctx is cancelled.
func (s *Store) Watch(ctx context.Context, interval time.Duration) (<-chan Change, error) {
	lastSeq, err := s.lastSeq()
	if err != nil {
		return nil, err
	}

	ch := make(chan Change, 16)
	go func() {
		defer close(ch)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				changes, err := s.changesSince(lastSeq)
				if err != nil {
					log.Warn().Err(err).Msg("failed to poll change feed")
					continue
				}
				for _, c := range changes {
					lastSeq = c.Seq
					if c.Origin == s.origin {
						continue
					}
					select {
					case ch <- c:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

func (s *Store) lastSeq() (int64, error) {
	var seq int64
	err := s.db.QueryRow("SELECT COALESCE(MAX(seq), 0) FROM changes").Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to read change feed position: %w", err)
	}
	return seq, nil
}

func (s *Store) changesSince(seq int64) ([]Change, error) {
	rows, err := s.db.Query(
		"SELECT seq, op, origin FROM changes WHERE seq > ? ORDER BY seq", seq,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query change feed: %w", err)
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		var c Change
		var op string
		if err := rows.Scan(&c.Seq, &op, &c.Origin); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		c.Op = Op(op)
		changes = append(changes, c)
	}

	return changes, rows.Err()
}
