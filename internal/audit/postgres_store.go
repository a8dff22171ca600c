package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresEventStore implements EventStore using PostgreSQL.
type PostgresEventStore struct {
	db *sql.DB
}

// NewPostgresEventStore creates a new PostgreSQL-backed event store.
func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

func (s *PostgresEventStore) AppendEvent(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO invoice_events (id, invoice_id, event_type, occurred_at, seq, data)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6::JSONB, '{}'))
		ON CONFLICT (id) DO NOTHING
	`, event.ID, event.InvoiceID, string(event.Type), event.Timestamp, event.Seq, string(data))
	return err
}

func (s *PostgresEventStore) GetEvents(ctx context.Context, invoiceID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, invoice_id, event_type, occurred_at, seq, COALESCE(data::TEXT, '{}')
		FROM invoice_events
		WHERE invoice_id = $1
		ORDER BY occurred_at ASC, seq ASC
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		var (
			e    Event
			typ  string
			data string
		)
		if err := rows.Scan(&e.ID, &e.InvoiceID, &typ, &e.Timestamp, &e.Seq, &data); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		if data != "" && data != "null" {
			if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
				return nil, fmt.Errorf("decode event %s data: %w", e.ID, err)
			}
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
