package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres

	"github.com/solacemind/coordination-core/internal/domain"
)

// AlertRepo — персистентность кризисных алертов. Каждый переход статуса
// фиксируется в БД: алерт не имеет права пропасть молча.
type AlertRepo struct {
	db *sql.DB
}

func NewAlertRepo(connString string) *AlertRepo {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		log.Fatal(err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &AlertRepo{db: db}
}

func NewAlertRepoWithDB(db *sql.DB) *AlertRepo {
	return &AlertRepo{db: db}
}

func (r *AlertRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Insert создает запись алерта в статусе active.
func (r *AlertRepo) Insert(ctx context.Context, a domain.CrisisAlert) error {
	factors, _ := json.Marshal(a.TriggerFactors)
	plan, _ := json.Marshal(a.InterventionPlan)

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO crisis_alerts (alert_id, session_id, risk_level, trigger_factors, detected_at, status, assigned_agent, intervention_plan)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.AlertID, a.SessionID, a.RiskLevel, factors, a.DetectedAt, string(a.Status), a.AssignedAgent, plan,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// UpdateStatus фиксирует переход статуса и актуальные план/исполнителя.
func (r *AlertRepo) UpdateStatus(ctx context.Context, a domain.CrisisAlert) error {
	plan, _ := json.Marshal(a.InterventionPlan)

	res, err := r.db.ExecContext(ctx, `
		UPDATE crisis_alerts SET status = $2, assigned_agent = $3, intervention_plan = $4, updated_at = now()
		WHERE alert_id = $1`,
		a.AlertID, string(a.Status), a.AssignedAgent, plan,
	)
	if err != nil {
		return fmt.Errorf("update alert status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// LoadOpen возвращает незакрытые алерты — watchdog подхватывает их после
// рестарта, чтобы дедлайн не потерялся вместе с процессом.
func (r *AlertRepo) LoadOpen(ctx context.Context) ([]domain.CrisisAlert, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT alert_id, session_id, risk_level, trigger_factors, detected_at, status, assigned_agent, intervention_plan
		FROM crisis_alerts WHERE status IN ('active', 'acknowledged')`)
	if err != nil {
		return nil, fmt.Errorf("load open alerts: %w", err)
	}
	defer rows.Close()

	var out []domain.CrisisAlert
	for rows.Next() {
		var a domain.CrisisAlert
		var status string
		var factors, plan []byte
		if err := rows.Scan(&a.AlertID, &a.SessionID, &a.RiskLevel, &factors, &a.DetectedAt, &status, &a.AssignedAgent, &plan); err != nil {
			return nil, err
		}
		a.Status = domain.AlertStatus(status)
		_ = json.Unmarshal(factors, &a.TriggerFactors)
		_ = json.Unmarshal(plan, &a.InterventionPlan)
		out = append(out, a)
	}
	return out, rows.Err()
}
