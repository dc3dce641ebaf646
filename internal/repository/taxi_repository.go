// Package repository provides read access to the taxi registry database.
//
// The registry is owned by the API; this service never writes to it.
package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shiva/taxiavail/internal/model"
)

// TaxiRepository reads the taxi / vehicle / vehicle_description snapshot
// and the operator directory.
type TaxiRepository struct {
	pool *pgxpool.Pool
}

// NewTaxiRepository creates a new repository backed by the given PG pool.
func NewTaxiRepository(pool *pgxpool.Pool) *TaxiRepository {
	return &TaxiRepository{pool: pool}
}

// ReadSnapshot returns one row per taxi and vehicle description. A taxi
// without a vehicle (or without a description) yields a row with NULL
// status and added_by.
func (r *TaxiRepository) ReadSnapshot(ctx context.Context) ([]model.SnapshotRow, error) {
	query := `
		SELECT taxi.id, vd.status, vd.added_by
		FROM taxi
		LEFT OUTER JOIN vehicle ON vehicle.id = taxi.vehicle_id
		LEFT OUTER JOIN vehicle_description AS vd ON vehicle.id = vd.vehicle_id
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("read taxi snapshot: %w", err)
	}
	defer rows.Close()

	var out []model.SnapshotRow
	for rows.Next() {
		var row model.SnapshotRow
		if err := rows.Scan(&row.TaxiID, &row.Status, &row.AddedBy); err != nil {
			return nil, fmt.Errorf("scan taxi snapshot row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read taxi snapshot: %w", err)
	}
	return out, nil
}

// OperatorLabels maps user ids to the email operators report with.
func (r *TaxiRepository) OperatorLabels(ctx context.Context) (map[int64]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, email FROM "user"`)
	if err != nil {
		return nil, fmt.Errorf("read operators: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]string)
	for rows.Next() {
		var (
			id    int64
			email *string
		)
		if err := rows.Scan(&id, &email); err != nil {
			return nil, fmt.Errorf("scan operator row: %w", err)
		}
		if email != nil {
			out[id] = *email
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read operators: %w", err)
	}
	return out, nil
}
