package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/canopy-network/modelserve/pkg/autoscaler"
)

const (
	ScalingEventsTable     = "scaling_events"
	ValidationResultsTable = "validation_results"
)

// Conn is the part of clickhouse.Client the store uses.
type Conn interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	PrepareBatch(ctx context.Context, query string) (driver.Batch, error)
}

// ClickHouse writes records into two MergeTree tables of one database.
type ClickHouse struct {
	conn     Conn
	database string
}

func NewClickHouse(conn Conn, database string) *ClickHouse {
	return &ClickHouse{conn: conn, database: database}
}

// InitSchema creates both tables if missing.
func (c *ClickHouse) InitSchema(ctx context.Context) error {
	for _, q := range []string{createScalingEventsQuery(c.database), createValidationResultsQuery(c.database)} {
		if err := c.conn.Exec(ctx, q); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func createScalingEventsQuery(db string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."%s" (
			id String,
			resource_id LowCardinality(String),
			rule String,
			metric LowCardinality(String),
			value Float64,
			action LowCardinality(String),
			before UInt32,
			after UInt32,
			cost_delta Float64,
			timestamp DateTime64(6)
		) ENGINE = MergeTree
		ORDER BY (resource_id, timestamp)
	`, db, ScalingEventsTable)
}

func createValidationResultsQuery(db string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."%s" (
			id String,
			resource_id LowCardinality(String),
			score Float64,
			success Bool,
			result String,
			timestamp DateTime64(6)
		) ENGINE = MergeTree
		ORDER BY (resource_id, timestamp)
	`, db, ValidationResultsTable)
}

func (c *ClickHouse) Save(ctx context.Context, e autoscaler.ScalingEvent) error {
	query := fmt.Sprintf(`INSERT INTO "%s"."%s" (
		id, resource_id, rule, metric, value, action, before, after, cost_delta, timestamp
	) VALUES`, c.database, ScalingEventsTable)
	return c.insert(ctx, query, scalingEventRow(e))
}

func (c *ClickHouse) SaveValidation(ctx context.Context, r ValidationRecord) error {
	row, err := validationRow(r)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO "%s"."%s" (
		id, resource_id, score, success, result, timestamp
	) VALUES`, c.database, ValidationResultsTable)
	return c.insert(ctx, query, row)
}

func (c *ClickHouse) insert(ctx context.Context, query string, row []interface{}) error {
	batch, err := c.conn.PrepareBatch(ctx, query)
	if err != nil {
		return err
	}
	defer func() { _ = batch.Close() }()

	if err := batch.Append(row...); err != nil {
		_ = batch.Abort()
		return err
	}
	return batch.Send()
}

func scalingEventRow(e autoscaler.ScalingEvent) []interface{} {
	return []interface{}{
		e.ID,
		e.ResourceID,
		e.Rule,
		string(e.Metric),
		e.Value,
		string(e.Action),
		uint32(e.Before),
		uint32(e.After),
		e.CostDelta,
		e.Timestamp,
	}
}

func validationRow(r ValidationRecord) ([]interface{}, error) {
	body, err := json.Marshal(r.Result)
	if err != nil {
		return nil, fmt.Errorf("encode validation %s: %w", r.ID, err)
	}
	return []interface{}{
		r.ID,
		r.ResourceID,
		r.Result.OverallScore,
		r.Result.Success,
		string(body),
		r.Timestamp,
	}, nil
}
