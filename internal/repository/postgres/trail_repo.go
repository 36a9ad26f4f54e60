package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres

	"github.com/solacemind/coordination-core/internal/audit"
)

type TrailRepo struct {
	db *sql.DB
}

func NewTrailRepo(connString string) *TrailRepo {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		// Соединение проверяется в main через Ping
		log.Fatal(err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &TrailRepo{db: db}
}

func (r *TrailRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// WriteBatch — пакетная вставка записей trail одним запросом.
func (r *TrailRepo) WriteBatch(ctx context.Context, events []audit.TrailEvent) error {
	if len(events) == 0 {
		return nil
	}

	// Количество колонок в таблице coordination_trail
	numFields := 11
	placeholderStr := ""
	vals := make([]interface{}, 0, len(events)*numFields)

	for i, e := range events {
		p := i * numFields
		placeholderStr += fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d),",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9, p+10, p+11)

		detail, _ := json.Marshal(e.Detail)

		vals = append(vals,
			e.ID, e.SessionID, e.CoordinationID, string(e.Kind),
			e.EventType, e.SourceAgent, e.TargetAgent, e.Priority,
			e.FromStatus+"->"+e.ToStatus, detail, e.Timestamp,
		)
	}

	query := fmt.Sprintf(
		"INSERT INTO coordination_trail (id, session_id, coordination_id, kind, event_type, source_agent, target_agent, priority, transition, detail, timestamp) VALUES %s",
		strings.TrimSuffix(placeholderStr, ","),
	)

	_, err := r.db.ExecContext(ctx, query, vals...)
	return err
}
