package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/lib/pq"

	"github.com/covergrid/outreachd/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS leads (
			id TEXT PRIMARY KEY,
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			interest_level TEXT NOT NULL DEFAULT 'cold',
			do_not_contact BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_actions (
			id TEXT PRIMARY KEY,
			lead_id TEXT NOT NULL REFERENCES leads(id) ON DELETE CASCADE,
			action_type TEXT NOT NULL,
			scheduled_for TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			reason TEXT NOT NULL DEFAULT 'follow_up',
			script_id TEXT NOT NULL DEFAULT '',
			custom_message TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			processed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS lead_communications (
			id TEXT PRIMARY KEY,
			lead_id TEXT NOT NULL REFERENCES leads(id) ON DELETE CASCADE,
			action_id TEXT NOT NULL DEFAULT '',
			channel TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_subscriptions (
			id TEXT PRIMARY KEY,
			partner_id TEXT NOT NULL,
			location_id TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL,
			secret TEXT NOT NULL,
			events TEXT NOT NULL DEFAULT '[]',
			headers TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			failure_count INTEGER NOT NULL DEFAULT 0,
			last_triggered_at TIMESTAMPTZ,
			last_success_at TIMESTAMPTZ,
			last_failure_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_delivery_logs (
			id TEXT PRIMARY KEY,
			subscription_id TEXT NOT NULL REFERENCES webhook_subscriptions(id) ON DELETE CASCADE,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			status_code INTEGER NOT NULL DEFAULT 0,
			response_body TEXT NOT NULL DEFAULT '',
			response_time_ms BIGINT NOT NULL DEFAULT 0,
			success BOOLEAN NOT NULL DEFAULT FALSE,
			error_message TEXT NOT NULL DEFAULT '',
			delivered_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_lead ON scheduled_actions(lead_id)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_due ON scheduled_actions(status, scheduled_for) WHERE status = 'pending'`,
		`CREATE INDEX IF NOT EXISTS idx_communications_lead ON lead_communications(lead_id)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_partner ON webhook_subscriptions(partner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_logs_subscription ON webhook_delivery_logs(subscription_id)`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Leads ---

func (s *PostgresStore) CreateLead(ctx context.Context, lead *models.Lead) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO leads (id, first_name, last_name, phone, email, interest_level, do_not_contact, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		lead.ID, lead.FirstName, lead.LastName, lead.Phone, lead.Email, lead.InterestLevel, lead.DoNotContact, lead.CreatedAt, lead.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetLead(ctx context.Context, id string) (*models.Lead, error) {
	var lead models.Lead
	err := s.db.QueryRowContext(ctx,
		`SELECT id, first_name, last_name, phone, email, interest_level, do_not_contact, created_at, updated_at
		 FROM leads WHERE id = $1`, id,
	).Scan(&lead.ID, &lead.FirstName, &lead.LastName, &lead.Phone, &lead.Email, &lead.InterestLevel, &lead.DoNotContact, &lead.CreatedAt, &lead.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lead, nil
}

// --- Scheduled actions ---

func (s *PostgresStore) CreateAction(ctx context.Context, a *models.ScheduledAction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_actions (`+actionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		a.ID, a.LeadID, a.ActionType, a.ScheduledFor, a.Status, a.Attempts, a.MaxAttempts,
		a.Reason, a.ScriptID, a.CustomMessage, a.LastError, a.ProcessedAt, a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) scanAction(row interface{ Scan(...interface{}) error }) (*models.ScheduledAction, error) {
	var a models.ScheduledAction
	err := row.Scan(&a.ID, &a.LeadID, &a.ActionType, &a.ScheduledFor, &a.Status, &a.Attempts, &a.MaxAttempts,
		&a.Reason, &a.ScriptID, &a.CustomMessage, &a.LastError, &a.ProcessedAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) GetAction(ctx context.Context, id string) (*models.ScheduledAction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM scheduled_actions WHERE id = $1`, id)
	a, err := s.scanAction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (s *PostgresStore) ActionsByLead(ctx context.Context, leadID string, status models.ActionStatus) ([]models.ScheduledAction, error) {
	query := `SELECT ` + actionColumns + ` FROM scheduled_actions WHERE lead_id = $1`
	args := []interface{}{leadID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY scheduled_for ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []models.ScheduledAction
	for rows.Next() {
		a, err := s.scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, *a)
	}
	return actions, rows.Err()
}

func (s *PostgresStore) DueActions(ctx context.Context, now time.Time, limit int) ([]models.ScheduledAction, error) {
	if limit <= 0 {
		limit = DefaultBatchLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM scheduled_actions
		 WHERE status = 'pending' AND scheduled_for <= $1
		 ORDER BY scheduled_for ASC LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []models.ScheduledAction
	for rows.Next() {
		a, err := s.scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, *a)
	}
	return actions, rows.Err()
}

func (s *PostgresStore) ClaimAction(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_actions
		 SET status = 'processing', attempts = attempts + 1, updated_at = NOW()
		 WHERE id = $1 AND status = 'pending'`,
		id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *PostgresStore) CompleteAction(ctx context.Context, id string, processedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_actions
		 SET status = 'completed', processed_at = $1, last_error = '', updated_at = NOW()
		 WHERE id = $2 AND status = 'processing'`,
		processedAt, id,
	)
	return err
}

func (s *PostgresStore) FailAction(ctx context.Context, id string, lastError string, processedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_actions
		 SET status = 'failed', processed_at = $1, last_error = $2, updated_at = NOW()
		 WHERE id = $3 AND status = 'processing'`,
		processedAt, lastError, id,
	)
	return err
}

func (s *PostgresStore) RescheduleAction(ctx context.Context, id string, nextAt time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_actions
		 SET status = 'pending', scheduled_for = $1, last_error = $2, updated_at = NOW()
		 WHERE id = $3 AND status = 'processing'`,
		nextAt, lastError, id,
	)
	return err
}

func (s *PostgresStore) CancelPendingActions(ctx context.Context, leadID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_actions
		 SET status = 'cancelled', processed_at = NOW(), updated_at = NOW()
		 WHERE lead_id = $1 AND status = 'pending'`,
		leadID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) ActionStats(ctx context.Context, now time.Time) (*models.ActionStats, error) {
	stats := &models.ActionStats{}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM scheduled_actions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch models.ActionStatus(status) {
		case models.ActionPending:
			stats.Pending = count
		case models.ActionProcessing:
			stats.Processing = count
		case models.ActionCompleted:
			stats.Completed = count
		case models.ActionFailed:
			stats.Failed = count
		case models.ActionCancelled:
			stats.Cancelled = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scheduled_actions WHERE status = 'pending' AND scheduled_for <= $1`, now,
	).Scan(&stats.DueNow)
	return stats, err
}

// --- Communication audit ---

func (s *PostgresStore) CreateCommunication(ctx context.Context, rec *models.CommunicationRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lead_communications (id, lead_id, action_id, channel, message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.LeadID, rec.ActionID, rec.Channel, rec.Message, rec.CreatedAt,
	)
	return err
}

func (s *PostgresStore) CommunicationsByLead(ctx context.Context, leadID string) ([]models.CommunicationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, lead_id, action_id, channel, message, created_at
		 FROM lead_communications WHERE lead_id = $1 ORDER BY created_at DESC`, leadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []models.CommunicationRecord
	for rows.Next() {
		var rec models.CommunicationRecord
		if err := rows.Scan(&rec.ID, &rec.LeadID, &rec.ActionID, &rec.Channel, &rec.Message, &rec.CreatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// --- Webhook subscriptions ---

func (s *PostgresStore) CreateSubscription(ctx context.Context, sub *models.WebhookSubscription) error {
	events, _ := json.Marshal(sub.Events)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_subscriptions (`+subscriptionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		sub.ID, sub.PartnerID, sub.LocationID, sub.URL, sub.Secret, string(events), sub.Headers, sub.IsActive,
		sub.FailureCount, sub.LastTriggeredAt, sub.LastSuccessAt, sub.LastFailureAt, sub.CreatedAt, sub.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) scanSubscription(row interface{ Scan(...interface{}) error }) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	var events string
	err := row.Scan(&sub.ID, &sub.PartnerID, &sub.LocationID, &sub.URL, &sub.Secret, &events, &sub.Headers, &sub.IsActive,
		&sub.FailureCount, &sub.LastTriggeredAt, &sub.LastSuccessAt, &sub.LastFailureAt, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(events), &sub.Events)
	return &sub, nil
}

func (s *PostgresStore) GetSubscription(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = $1`, id)
	sub, err := s.scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sub, err
}

func (s *PostgresStore) ListSubscriptions(ctx context.Context, partnerID string) ([]models.WebhookSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE partner_id = $1 ORDER BY created_at DESC`, partnerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []models.WebhookSubscription
	for rows.Next() {
		sub, err := s.scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func (s *PostgresStore) UpdateSubscription(ctx context.Context, sub *models.WebhookSubscription) error {
	events, _ := json.Marshal(sub.Events)
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhook_subscriptions
		 SET url = $1, secret = $2, events = $3, headers = $4, is_active = $5, location_id = $6, updated_at = NOW()
		 WHERE id = $7`,
		sub.URL, sub.Secret, string(events), sub.Headers, sub.IsActive, sub.LocationID, sub.ID,
	)
	return err
}

func (s *PostgresStore) DeleteSubscription(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) MatchingSubscriptions(ctx context.Context, partnerID, eventType, locationID string) ([]models.WebhookSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions
		 WHERE partner_id = $1 AND is_active = TRUE AND failure_count < $2
		   AND (location_id = '' OR location_id = $3)
		 ORDER BY created_at ASC`,
		partnerID, models.SuppressThreshold, locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []models.WebhookSubscription
	for rows.Next() {
		sub, err := s.scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		if sub.SubscribesTo(eventType) {
			subs = append(subs, *sub)
		}
	}
	return subs, rows.Err()
}

// --- Delivery audit trail ---

func (s *PostgresStore) CreateDeliveryLog(ctx context.Context, entry *models.WebhookDeliveryLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_delivery_logs (id, subscription_id, event_type, payload, status_code, response_body, response_time_ms, success, error_message, delivered_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID, entry.SubscriptionID, entry.EventType, entry.Payload, entry.StatusCode,
		entry.ResponseBody, entry.ResponseTimeMs, entry.Success, entry.ErrorMessage, entry.DeliveredAt,
	)
	return err
}

func (s *PostgresStore) DeliveryLogsBySubscription(ctx context.Context, subscriptionID string, limit int) ([]models.WebhookDeliveryLog, error) {
	if limit <= 0 {
		limit = DefaultBatchLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subscription_id, event_type, payload, status_code, response_body, response_time_ms, success, error_message, delivered_at
		 FROM webhook_delivery_logs WHERE subscription_id = $1 ORDER BY delivered_at DESC LIMIT $2`,
		subscriptionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.WebhookDeliveryLog
	for rows.Next() {
		var e models.WebhookDeliveryLog
		if err := rows.Scan(&e.ID, &e.SubscriptionID, &e.EventType, &e.Payload, &e.StatusCode,
			&e.ResponseBody, &e.ResponseTimeMs, &e.Success, &e.ErrorMessage, &e.DeliveredAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) RecordDeliveryOutcome(ctx context.Context, subscriptionID string, success bool, now time.Time) error {
	if success {
		_, err := s.db.ExecContext(ctx,
			`UPDATE webhook_subscriptions
			 SET last_triggered_at = $1, last_success_at = $1, failure_count = 0, updated_at = $1
			 WHERE id = $2`,
			now, subscriptionID,
		)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhook_subscriptions
		 SET last_triggered_at = $1, last_failure_at = $1, failure_count = failure_count + 1, updated_at = $1
		 WHERE id = $2`,
		now, subscriptionID,
	)
	return err
}

func (s *PostgresStore) DeliveryStats(ctx context.Context) (*models.DeliveryStats, error) {
	stats := &models.DeliveryStats{}

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_delivery_logs`).Scan(&stats.TotalDeliveries)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_delivery_logs WHERE success = TRUE`).Scan(&stats.SuccessCount)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_delivery_logs WHERE success = FALSE`).Scan(&stats.FailedCount)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_subscriptions`).Scan(&stats.Subscriptions)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_subscriptions WHERE is_active = TRUE`).Scan(&stats.ActiveSubs)
	s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhook_subscriptions WHERE failure_count >= $1`, models.SuppressThreshold,
	).Scan(&stats.SuppressedSubs)

	if stats.TotalDeliveries > 0 {
		stats.SuccessRate = float64(stats.SuccessCount) / float64(stats.TotalDeliveries) * 100
	}

	return stats, nil
}
