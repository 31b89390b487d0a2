package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/hanainplan/consultcall/internal/domain/calllog"
)

type callLogRepo struct {
	db *sqlx.DB
}

func NewCallLogRepo(db *sqlx.DB) calllog.Repository {
	return &callLogRepo{db: db}
}

func (r *callLogRepo) Save(ctx context.Context, rec calllog.Record) error {
	query := `
		INSERT INTO call_log (room_id, peer_id, direction, outcome, started_at, connected_at, ended_at)
		VALUES (:room_id, :peer_id, :direction, :outcome, :started_at, :connected_at, :ended_at)
		ON CONFLICT (room_id) DO UPDATE SET
			peer_id = excluded.peer_id,
			direction = excluded.direction,
			outcome = excluded.outcome,
			started_at = excluded.started_at,
			connected_at = excluded.connected_at,
			ended_at = excluded.ended_at
	`

	if _, err := r.db.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("save call record: %w", err)
	}

	return nil
}

func (r *callLogRepo) List(ctx context.Context, limit int) ([]calllog.Record, error) {
	records := []calllog.Record{}

	query := `
		SELECT room_id, peer_id, direction, outcome, started_at, connected_at, ended_at
		FROM call_log
		ORDER BY started_at DESC
	`

	var err error
	if limit > 0 {
		err = r.db.SelectContext(ctx, &records, r.db.Rebind(query+" LIMIT ?"), limit)
	} else {
		err = r.db.SelectContext(ctx, &records, query)
	}

	if err != nil {
		return nil, fmt.Errorf("list call records: %w", err)
	}

	return records, nil
}
