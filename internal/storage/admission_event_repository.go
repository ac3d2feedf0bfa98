package storage

import (
	"context"
	"fmt"
	"time"
)

// AdmissionEvent is one admission decision as stored in ClickHouse
type AdmissionEvent struct {
	Timestamp  time.Time
	Identifier string
	Class      string
	Admitted   bool
	Degraded   bool
	Budget     uint32
	Remaining  uint32
	ResetAt    time.Time
}

// AdmissionEventRepository writes admission analytics
type AdmissionEventRepository struct {
	db *ClickHouseDB
}

// NewAdmissionEventRepository creates a new admission event repository
func NewAdmissionEventRepository(db *ClickHouseDB) *AdmissionEventRepository {
	return &AdmissionEventRepository{db: db}
}

// InsertEvents inserts multiple events in one batch
func (r *AdmissionEventRepository) InsertEvents(ctx context.Context, events []AdmissionEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := r.db.conn.PrepareBatch(ctx, `
		INSERT INTO admission_events (
			timestamp, identifier, class, admitted, degraded, budget, remaining, reset_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, e := range events {
		err := batch.Append(
			e.Timestamp,
			e.Identifier,
			e.Class,
			boolToUInt8(e.Admitted),
			boolToUInt8(e.Degraded),
			e.Budget,
			e.Remaining,
			e.ResetAt,
		)
		if err != nil {
			return fmt.Errorf("failed to append admission event: %w", err)
		}
	}

	return batch.Send()
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
