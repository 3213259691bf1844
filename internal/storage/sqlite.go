package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/covergrid/outreachd/internal/models"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS leads (
			id TEXT PRIMARY KEY,
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			interest_level TEXT NOT NULL DEFAULT 'cold',
			do_not_contact INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_actions (
			id TEXT PRIMARY KEY,
			lead_id TEXT NOT NULL REFERENCES leads(id) ON DELETE CASCADE,
			action_type TEXT NOT NULL,
			scheduled_for DATETIME NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			reason TEXT NOT NULL DEFAULT 'follow_up',
			script_id TEXT NOT NULL DEFAULT '',
			custom_message TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			processed_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS lead_communications (
			id TEXT PRIMARY KEY,
			lead_id TEXT NOT NULL REFERENCES leads(id) ON DELETE CASCADE,
			action_id TEXT NOT NULL DEFAULT '',
			channel TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_subscriptions (
			id TEXT PRIMARY KEY,
			partner_id TEXT NOT NULL,
			location_id TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL,
			secret TEXT NOT NULL,
			events TEXT NOT NULL DEFAULT '[]',
			headers TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			failure_count INTEGER NOT NULL DEFAULT 0,
			last_triggered_at DATETIME,
			last_success_at DATETIME,
			last_failure_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_delivery_logs (
			id TEXT PRIMARY KEY,
			subscription_id TEXT NOT NULL REFERENCES webhook_subscriptions(id) ON DELETE CASCADE,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			status_code INTEGER NOT NULL DEFAULT 0,
			response_body TEXT NOT NULL DEFAULT '',
			response_time_ms INTEGER NOT NULL DEFAULT 0,
			success INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			delivered_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
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

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Leads ---

func (s *SQLiteStore) CreateLead(ctx context.Context, lead *models.Lead) error {
	dnc := 0
	if lead.DoNotContact {
		dnc = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO leads (id, first_name, last_name, phone, email, interest_level, do_not_contact, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lead.ID, lead.FirstName, lead.LastName, lead.Phone, lead.Email, lead.InterestLevel, dnc, lead.CreatedAt, lead.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) GetLead(ctx context.Context, id string) (*models.Lead, error) {
	var lead models.Lead
	var dnc int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, first_name, last_name, phone, email, interest_level, do_not_contact, created_at, updated_at
		 FROM leads WHERE id = ?`, id,
	).Scan(&lead.ID, &lead.FirstName, &lead.LastName, &lead.Phone, &lead.Email, &lead.InterestLevel, &dnc, &lead.CreatedAt, &lead.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	lead.DoNotContact = dnc == 1
	return &lead, nil
}

// --- Scheduled actions ---

const actionColumns = `id, lead_id, action_type, scheduled_for, status, attempts, max_attempts,
	reason, script_id, custom_message, last_error, processed_at, created_at, updated_at`

func (s *SQLiteStore) CreateAction(ctx context.Context, a *models.ScheduledAction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_actions (`+actionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.LeadID, a.ActionType, a.ScheduledFor, a.Status, a.Attempts, a.MaxAttempts,
		a.Reason, a.ScriptID, a.CustomMessage, a.LastError, a.ProcessedAt, a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) scanAction(row interface{ Scan(...interface{}) error }) (*models.ScheduledAction, error) {
	var a models.ScheduledAction
	err := row.Scan(&a.ID, &a.LeadID, &a.ActionType, &a.ScheduledFor, &a.Status, &a.Attempts, &a.MaxAttempts,
		&a.Reason, &a.ScriptID, &a.CustomMessage, &a.LastError, &a.ProcessedAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLiteStore) GetAction(ctx context.Context, id string) (*models.ScheduledAction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM scheduled_actions WHERE id = ?`, id)
	a, err := s.scanAction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (s *SQLiteStore) ActionsByLead(ctx context.Context, leadID string, status models.ActionStatus) ([]models.ScheduledAction, error) {
	query := `SELECT ` + actionColumns + ` FROM scheduled_actions WHERE lead_id = ?`
	args := []interface{}{leadID}
	if status != "" {
		query += ` AND status = ?`
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

func (s *SQLiteStore) DueActions(ctx context.Context, now time.Time, limit int) ([]models.ScheduledAction, error) {
	if limit <= 0 {
		limit = DefaultBatchLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM scheduled_actions
		 WHERE status = 'pending' AND scheduled_for <= ?
		 ORDER BY scheduled_for ASC LIMIT ?`,
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

func (s *SQLiteStore) ClaimAction(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_actions
		 SET status = 'processing', attempts = attempts + 1, updated_at = ?
		 WHERE id = ? AND status = 'pending'`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) CompleteAction(ctx context.Context, id string, processedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_actions
		 SET status = 'completed', processed_at = ?, last_error = '', updated_at = ?
		 WHERE id = ? AND status = 'processing'`,
		processedAt, time.Now().UTC(), id,
	)
	return err
}

func (s *SQLiteStore) FailAction(ctx context.Context, id string, lastError string, processedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_actions
		 SET status = 'failed', processed_at = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND status = 'processing'`,
		processedAt, lastError, time.Now().UTC(), id,
	)
	return err
}

func (s *SQLiteStore) RescheduleAction(ctx context.Context, id string, nextAt time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_actions
		 SET status = 'pending', scheduled_for = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND status = 'processing'`,
		nextAt, lastError, time.Now().UTC(), id,
	)
	return err
}

func (s *SQLiteStore) CancelPendingActions(ctx context.Context, leadID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_actions
		 SET status = 'cancelled', processed_at = ?, updated_at = ?
		 WHERE lead_id = ? AND status = 'pending'`,
		time.Now().UTC(), time.Now().UTC(), leadID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) ActionStats(ctx context.Context, now time.Time) (*models.ActionStats, error) {
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
		`SELECT COUNT(*) FROM scheduled_actions WHERE status = 'pending' AND scheduled_for <= ?`, now,
	).Scan(&stats.DueNow)
	return stats, err
}

// --- Communication audit ---

func (s *SQLiteStore) CreateCommunication(ctx context.Context, rec *models.CommunicationRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lead_communications (id, lead_id, action_id, channel, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.LeadID, rec.ActionID, rec.Channel, rec.Message, rec.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) CommunicationsByLead(ctx context.Context, leadID string) ([]models.CommunicationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, lead_id, action_id, channel, message, created_at
		 FROM lead_communications WHERE lead_id = ? ORDER BY created_at DESC`, leadID)
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

const subscriptionColumns = `id, partner_id, location_id, url, secret, events, headers, is_active,
	failure_count, last_triggered_at, last_success_at, last_failure_at, created_at, updated_at`

func (s *SQLiteStore) CreateSubscription(ctx context.Context, sub *models.WebhookSubscription) error {
	events, _ := json.Marshal(sub.Events)
	active := 0
	if sub.IsActive {
		active = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_subscriptions (`+subscriptionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.PartnerID, sub.LocationID, sub.URL, sub.Secret, string(events), sub.Headers, active,
		sub.FailureCount, sub.LastTriggeredAt, sub.LastSuccessAt, sub.LastFailureAt, sub.CreatedAt, sub.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) scanSubscription(row interface{ Scan(...interface{}) error }) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	var events string
	var active int
	err := row.Scan(&sub.ID, &sub.PartnerID, &sub.LocationID, &sub.URL, &sub.Secret, &events, &sub.Headers, &active,
		&sub.FailureCount, &sub.LastTriggeredAt, &sub.LastSuccessAt, &sub.LastFailureAt, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(events), &sub.Events)
	sub.IsActive = active == 1
	return &sub, nil
}

func (s *SQLiteStore) GetSubscription(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = ?`, id)
	sub, err := s.scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sub, err
}

func (s *SQLiteStore) ListSubscriptions(ctx context.Context, partnerID string) ([]models.WebhookSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE partner_id = ? ORDER BY created_at DESC`, partnerID)
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

func (s *SQLiteStore) UpdateSubscription(ctx context.Context, sub *models.WebhookSubscription) error {
	events, _ := json.Marshal(sub.Events)
	active := 0
	if sub.IsActive {
		active = 1
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhook_subscriptions
		 SET url = ?, secret = ?, events = ?, headers = ?, is_active = ?, location_id = ?, updated_at = ?
		 WHERE id = ?`,
		sub.URL, sub.Secret, string(events), sub.Headers, active, sub.LocationID, time.Now().UTC(), sub.ID,
	)
	return err
}

func (s *SQLiteStore) DeleteSubscription(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) MatchingSubscriptions(ctx context.Context, partnerID, eventType, locationID string) ([]models.WebhookSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions
		 WHERE partner_id = ? AND is_active = 1 AND failure_count < ?
		   AND (location_id = '' OR location_id = ?)
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

func (s *SQLiteStore) CreateDeliveryLog(ctx context.Context, entry *models.WebhookDeliveryLog) error {
	success := 0
	if entry.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_delivery_logs (id, subscription_id, event_type, payload, status_code, response_body, response_time_ms, success, error_message, delivered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.SubscriptionID, entry.EventType, entry.Payload, entry.StatusCode,
		entry.ResponseBody, entry.ResponseTimeMs, success, entry.ErrorMessage, entry.DeliveredAt,
	)
	return err
}

func (s *SQLiteStore) DeliveryLogsBySubscription(ctx context.Context, subscriptionID string, limit int) ([]models.WebhookDeliveryLog, error) {
	if limit <= 0 {
		limit = DefaultBatchLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subscription_id, event_type, payload, status_code, response_body, response_time_ms, success, error_message, delivered_at
		 FROM webhook_delivery_logs WHERE subscription_id = ? ORDER BY delivered_at DESC LIMIT ?`,
		subscriptionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.WebhookDeliveryLog
	for rows.Next() {
		var e models.WebhookDeliveryLog
		var success int
		if err := rows.Scan(&e.ID, &e.SubscriptionID, &e.EventType, &e.Payload, &e.StatusCode,
			&e.ResponseBody, &e.ResponseTimeMs, &success, &e.ErrorMessage, &e.DeliveredAt); err != nil {
			return nil, err
		}
		e.Success = success == 1
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) RecordDeliveryOutcome(ctx context.Context, subscriptionID string, success bool, now time.Time) error {
	if success {
		_, err := s.db.ExecContext(ctx,
			`UPDATE webhook_subscriptions
			 SET last_triggered_at = ?, last_success_at = ?, failure_count = 0, updated_at = ?
			 WHERE id = ?`,
			now, now, now, subscriptionID,
		)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhook_subscriptions
		 SET last_triggered_at = ?, last_failure_at = ?, failure_count = failure_count + 1, updated_at = ?
		 WHERE id = ?`,
		now, now, now, subscriptionID,
	)
	return err
}

func (s *SQLiteStore) DeliveryStats(ctx context.Context) (*models.DeliveryStats, error) {
	stats := &models.DeliveryStats{}

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_delivery_logs`).Scan(&stats.TotalDeliveries)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_delivery_logs WHERE success = 1`).Scan(&stats.SuccessCount)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_delivery_logs WHERE success = 0`).Scan(&stats.FailedCount)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_subscriptions`).Scan(&stats.Subscriptions)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_subscriptions WHERE is_active = 1`).Scan(&stats.ActiveSubs)
	s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhook_subscriptions WHERE failure_count >= ?`, models.SuppressThreshold,
	).Scan(&stats.SuppressedSubs)

	if stats.TotalDeliveries > 0 {
		stats.SuccessRate = float64(stats.SuccessCount) / float64(stats.TotalDeliveries) * 100
	}

	return stats, nil
}
