// Package history implements TimescaleDB-backed storage for controller
// observations (sensor readings and issued setpoints).
//
// Architecture:
//   - Uses TimescaleDB for optimized time series storage and querying
//   - One row per (time, building, entity, metric) sample
//   - Provides built-in support for time-based aggregations backing the
//     /v1/history endpoint
//
// Example usage:
//
//	repo, err := NewPostgresRepo(cfg.ConnString())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer repo.Close()
//
//	points, err := repo.Aggregate(ctx, start, end, "1h", "AVG", "setpoint")
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/rueda1208/hems-controller/internal/models"
)

// Supported aggregations:
//   - MIN: Minimum value in time window
//   - MAX: Maximum value in time window
//   - AVG: Average value in time window
//   - SUM: Sum of values in time window
//
// Supported time windows: 1m, 5m, 1h, 1d.
var (
	ValidWindows      = map[string]bool{"1m": true, "5m": true, "1h": true, "1d": true}
	ValidAggregations = map[string]bool{"MIN": true, "MAX": true, "AVG": true, "SUM": true}
)

// AggregatedPoint is one bucketed sample returned by Aggregate.
type AggregatedPoint struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// Recorder is the write-side interface the control loop depends on.
// Recording is best effort; a failed write never fails a control cycle.
type Recorder interface {
	Record(ctx context.Context, observations []models.Observation) error
}

// ObservationRepository adds the query and lifecycle operations used by
// the web surface and main.
type ObservationRepository interface {
	Recorder

	// Aggregate retrieves bucketed observations for one metric within the
	// given time range. Window must be one of ValidWindows, aggregation one
	// of ValidAggregations.
	Aggregate(ctx context.Context, start, end time.Time, window, aggregation, metric string) ([]AggregatedPoint, error)

	// Close releases any resources held by the repository.
	Close() error
}

// PostgresRepo implements ObservationRepository using TimescaleDB.
type PostgresRepo struct {
	db         *sql.DB
	buildingID string
}

// NewPostgresRepo connects and verifies connectivity. The buildingID
// scopes every read and write, so multiple installations can share one
// database.
func NewPostgresRepo(connStr, buildingID string) (*PostgresRepo, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &PostgresRepo{db: db, buildingID: buildingID}, nil
}

// Record inserts a batch of observations in a single transaction. The
// operation is atomic: either all samples land or none.
func (s *PostgresRepo) Record(ctx context.Context, observations []models.Observation) error {
	if len(observations) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // rollback if not committed

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO controller_observations (time, building_id, entity_id, metric, value)
        VALUES ($1, $2, $3, $4, $5)
    `)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, obs := range observations {
		buildingID := obs.BuildingID
		if buildingID == "" {
			buildingID = s.buildingID
		}
		if _, err := stmt.ExecContext(ctx, obs.Time, buildingID, obs.EntityID, obs.Metric, obs.Value); err != nil {
			return fmt.Errorf("failed to insert observation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Aggregate uses time_bucket() from TimescaleDB for efficient time-based
// grouping, with dynamic aggregation selection via CASE statement.
func (s *PostgresRepo) Aggregate(
	ctx context.Context,
	start, end time.Time,
	window, aggregation, metric string,
) ([]AggregatedPoint, error) {
	if !ValidWindows[window] {
		return nil, fmt.Errorf("invalid window: %s", window)
	}
	if !ValidAggregations[aggregation] {
		return nil, fmt.Errorf("invalid aggregation type: %s", aggregation)
	}

	query := fmt.Sprintf(`
        SELECT
            time_bucket('%s', time) as bucket_time,
            CASE
                WHEN $4 = 'MIN' THEN MIN(value)
                WHEN $4 = 'MAX' THEN MAX(value)
                WHEN $4 = 'AVG' THEN AVG(value)
                WHEN $4 = 'SUM' THEN SUM(value)
            END as agg_value
        FROM controller_observations
        WHERE time BETWEEN $1 AND $2
          AND building_id = $3
          AND metric = $5
        GROUP BY bucket_time
        ORDER BY bucket_time
    `, window)

	rows, err := s.db.QueryContext(ctx, query, start, end, s.buildingID, aggregation, metric)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []AggregatedPoint
	for rows.Next() {
		var p AggregatedPoint
		if err := rows.Scan(&p.Time, &p.Value); err != nil {
			return nil, err
		}
		results = append(results, p)
	}

	return results, rows.Err()
}

// Close releases all database resources.
func (s *PostgresRepo) Close() error {
	return s.db.Close()
}

// NopRecorder discards observations. Used when no database is configured.
type NopRecorder struct{}

func (NopRecorder) Record(ctx context.Context, observations []models.Observation) error {
	return nil
}

// Compile-time interface implementation checks
var (
	_ ObservationRepository = (*PostgresRepo)(nil)
	_ Recorder              = NopRecorder{}
)
