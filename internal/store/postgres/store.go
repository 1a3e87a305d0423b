package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"repaircrm/ticket-service/internal/models"
	"repaircrm/ticket-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const receiptSelect = `
	SELECT r.receipt_id, r.tracking_code, r.customer_id, c.name, c.phone, r.product, r.model,
		r.estimated_amount, r.status, r.company_purchase, r.company_name, r.company_phone,
		r.delivery_note, r.delivered_to, r.delivered_at, r.created_at, r.updated_at
	FROM receipts r
	JOIN customers c ON c.customer_id = r.customer_id
`

const serviceSelect = `
	SELECT t.ticket_id, t.tracking_code, t.customer_id, c.name, c.phone, t.address, t.product,
		t.issue, t.status, t.engineer_id, COALESCE(e.name, ''), t.created_at, t.updated_at
	FROM service_tickets t
	JOIN customers c ON c.customer_id = t.customer_id
	LEFT JOIN engineers e ON e.engineer_id = t.engineer_id
`

func scanReceipt(row pgx.Row) (*models.ReceiptTicket, error) {
	var r models.ReceiptTicket
	if err := row.Scan(&r.ID, &r.TrackingCode, &r.CustomerID, &r.CustomerName, &r.CustomerPhone, &r.Product, &r.Model,
		&r.EstimatedAmount, &r.Status, &r.CompanyPurchase, &r.CompanyName, &r.CompanyPhone,
		&r.DeliveryNote, &r.DeliveredTo, &r.DeliveredAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrTicketNotFound
		}
		return nil, err
	}
	return &r, nil
}

func scanService(row pgx.Row) (*models.ServiceTicket, error) {
	var t models.ServiceTicket
	if err := row.Scan(&t.ID, &t.TrackingCode, &t.CustomerID, &t.CustomerName, &t.CustomerPhone, &t.Address, &t.Product,
		&t.Issue, &t.Status, &t.EngineerID, &t.EngineerName, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrTicketNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (s *Store) FindReceiptByCode(ctx context.Context, code string) (*models.ReceiptTicket, error) {
	return scanReceipt(s.pool.QueryRow(ctx, receiptSelect+` WHERE r.tracking_code = $1`, code))
}

func (s *Store) FindServiceTicketByCode(ctx context.Context, code string) (*models.ServiceTicket, error) {
	return scanService(s.pool.QueryRow(ctx, serviceSelect+` WHERE t.tracking_code = $1`, code))
}

func (s *Store) GetTicket(ctx context.Context, ref models.TicketRef) (models.Ticket, error) {
	return getTicket(ctx, s.pool, ref)
}

func getTicket(ctx context.Context, q querier, ref models.TicketRef) (models.Ticket, error) {
	switch ref.Kind {
	case models.KindReceipt:
		return scanReceipt(q.QueryRow(ctx, receiptSelect+` WHERE r.receipt_id = $1`, ref.ID))
	case models.KindService:
		return scanService(q.QueryRow(ctx, serviceSelect+` WHERE t.ticket_id = $1`, ref.ID))
	default:
		return nil, store.ErrTicketNotFound
	}
}

func (s *Store) UpdateStatus(ctx context.Context, update store.StatusUpdate) (models.Ticket, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	at := update.OccurredAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var current models.Status
	switch update.Ref.Kind {
	case models.KindReceipt:
		err = tx.QueryRow(ctx, `SELECT status FROM receipts WHERE receipt_id = $1 FOR UPDATE`, update.Ref.ID).Scan(&current)
	case models.KindService:
		err = tx.QueryRow(ctx, `SELECT status FROM service_tickets WHERE ticket_id = $1 FOR UPDATE`, update.Ref.ID).Scan(&current)
	default:
		err = store.ErrTicketNotFound
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrTicketNotFound
		}
		return nil, err
	}
	if current != update.From {
		err = store.ErrStatusConflict
		return nil, err
	}

	switch {
	case update.Ref.Kind == models.KindReceipt && update.To == models.StatusDelivered:
		_, err = tx.Exec(ctx, `
			UPDATE receipts
			SET status = $2, updated_at = $3, delivered_at = $3, delivered_to = $4,
				delivery_note = CASE WHEN $5::text = '' THEN delivery_note ELSE $5::text END
			WHERE receipt_id = $1
		`, update.Ref.ID, update.To, at, update.DeliveredTo, update.DeliveryNote)
	case update.Ref.Kind == models.KindReceipt:
		_, err = tx.Exec(ctx, `UPDATE receipts SET status = $2, updated_at = $3 WHERE receipt_id = $1`, update.Ref.ID, update.To, at)
	default:
		_, err = tx.Exec(ctx, `UPDATE service_tickets SET status = $2, updated_at = $3 WHERE ticket_id = $1`, update.Ref.ID, update.To, at)
	}
	if err != nil {
		return nil, err
	}

	if err = insertStatusEvent(ctx, tx, store.StatusEvent{
		Ticket:    update.Ref,
		From:      update.From,
		To:        update.To,
		Actor:     update.Actor,
		Note:      update.Note,
		Override:  update.Override,
		CreatedAt: at,
	}); err != nil {
		return nil, err
	}

	ticket, err := getTicket(ctx, tx, update.Ref)
	if err != nil {
		return nil, err
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	return ticket, nil
}

func insertStatusEvent(ctx context.Context, tx pgx.Tx, event store.StatusEvent) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey("status", event.Ticket)); err != nil {
		return err
	}

	var prev *store.StatusEvent
	var last store.StatusEvent
	row := tx.QueryRow(ctx, `
		SELECT seq, hash
		FROM status_events
		WHERE ticket_kind = $1 AND ticket_id = $2
		ORDER BY seq DESC
		LIMIT 1
	`, event.Ticket.Kind, event.Ticket.ID)
	switch err := row.Scan(&last.Seq, &last.Hash); {
	case err == nil:
		prev = &last
	case !errors.Is(err, pgx.ErrNoRows):
		return err
	}

	// Postgres keeps microseconds; truncate before hashing so the stored
	// row still verifies.
	event.CreatedAt = event.CreatedAt.UTC().Truncate(time.Microsecond)
	sealed := store.NextStatusEvent(prev, event)
	_, err := tx.Exec(ctx, `
		INSERT INTO status_events (ticket_kind, ticket_id, seq, from_status, to_status, actor, note, override, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, sealed.Ticket.Kind, sealed.Ticket.ID, sealed.Seq, sealed.From, sealed.To, sealed.Actor, sealed.Note, sealed.Override, sealed.CreatedAt, sealed.PrevHash, sealed.Hash)
	return err
}

func lockKey(scope string, ref models.TicketRef) string {
	return fmt.Sprintf("%s:%s:%d", scope, ref.Kind, ref.ID)
}

func (s *Store) ListStatusEvents(ctx context.Context, ref models.TicketRef) ([]store.StatusEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, from_status, to_status, actor, note, override, created_at, prev_hash, hash
		FROM status_events
		WHERE ticket_kind = $1 AND ticket_id = $2
		ORDER BY seq ASC
	`, ref.Kind, ref.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.StatusEvent
	for rows.Next() {
		event := store.StatusEvent{Ticket: ref}
		if err := rows.Scan(&event.Seq, &event.From, &event.To, &event.Actor, &event.Note, &event.Override, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) ListServiceVisits(ctx context.Context, ticketID int64) ([]models.ServiceVisit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT v.visit_id, v.ticket_id, v.engineer_id, e.name, v.visited_at, v.outcome, v.notes
		FROM service_visits v
		JOIN engineers e ON e.engineer_id = v.engineer_id
		WHERE v.ticket_id = $1
		ORDER BY v.visited_at ASC
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var visits []models.ServiceVisit
	for rows.Next() {
		var v models.ServiceVisit
		if err := rows.Scan(&v.ID, &v.TicketID, &v.EngineerID, &v.Engineer, &v.VisitedAt, &v.Outcome, &v.Notes); err != nil {
			return nil, err
		}
		visits = append(visits, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return visits, nil
}

func (s *Store) ReplaceChallenge(ctx context.Context, challenge models.OtpChallenge) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey("otp", challenge.Ticket)); err != nil {
		return err
	}
	if _, err = tx.Exec(ctx, `
		UPDATE otp_challenges
		SET consumed = TRUE, superseded = TRUE, consumed_at = $3
		WHERE ticket_kind = $1 AND ticket_id = $2 AND NOT consumed
	`, challenge.Ticket.Kind, challenge.Ticket.ID, challenge.CreatedAt); err != nil {
		return err
	}
	if challenge.ChallengeID == "" {
		challenge.ChallengeID = uuid.NewString()
	}
	if _, err = tx.Exec(ctx, `
		INSERT INTO otp_challenges (challenge_id, ticket_kind, ticket_id, recipient_name, phone, code, attempts, consumed, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, FALSE, $7, $8)
	`, challenge.ChallengeID, challenge.Ticket.Kind, challenge.Ticket.ID, challenge.RecipientName, challenge.Phone, challenge.Code, challenge.CreatedAt, challenge.ExpiresAt); err != nil {
		return err
	}
	err = tx.Commit(ctx)
	return err
}

// UpdateLiveChallenge holds a row lock on the live challenge for the whole
// callback. A concurrent caller blocks on the lock and then finds the row
// consumed, so at most one verification can succeed.
func (s *Store) UpdateLiveChallenge(ctx context.Context, ref models.TicketRef, fn func(*models.OtpChallenge) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	c := models.OtpChallenge{Ticket: ref}
	row := tx.QueryRow(ctx, `
		SELECT challenge_id::text, recipient_name, phone, code, attempts, consumed, consumed_at, created_at, expires_at
		FROM otp_challenges
		WHERE ticket_kind = $1 AND ticket_id = $2 AND NOT consumed
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE
	`, ref.Kind, ref.ID)
	if err = row.Scan(&c.ChallengeID, &c.RecipientName, &c.Phone, &c.Code, &c.Attempts, &c.Consumed, &c.ConsumedAt, &c.CreatedAt, &c.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrChallengeNotFound
		}
		return err
	}

	fnErr := fn(&c)

	if _, err = tx.Exec(ctx, `
		UPDATE otp_challenges
		SET attempts = $2, consumed = $3, consumed_at = $4
		WHERE challenge_id = $1
	`, c.ChallengeID, c.Attempts, c.Consumed, c.ConsumedAt); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return err
	}
	return fnErr
}

func (s *Store) SupersededCode(ctx context.Context, ref models.TicketRef, code string) (bool, error) {
	var found bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM otp_challenges
			WHERE ticket_kind = $1 AND ticket_id = $2 AND superseded AND code = $3
		)
	`, ref.Kind, ref.ID, code).Scan(&found)
	return found, err
}

func (s *Store) PurgeChallenges(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM otp_challenges
		WHERE expires_at < $1 OR (consumed AND consumed_at < $1)
	`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) LoadNotificationSettings(ctx context.Context) (store.SettingsRecord, bool, error) {
	var record store.SettingsRecord
	var body string
	row := s.pool.QueryRow(ctx, `
		SELECT version, body, updated_at
		FROM notification_settings
		WHERE settings_id = 1
	`)
	if err := row.Scan(&record.Version, &body, &record.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.SettingsRecord{}, false, nil
		}
		return store.SettingsRecord{}, false, err
	}
	record.Body = []byte(body)
	return record, true, nil
}

func (s *Store) SaveNotificationSettings(ctx context.Context, body []byte, expectedVersion int) (int, error) {
	var version int
	var row pgx.Row
	if expectedVersion == 0 {
		row = s.pool.QueryRow(ctx, `
			INSERT INTO notification_settings (settings_id, version, body, updated_at)
			VALUES (1, 1, $1, NOW())
			ON CONFLICT (settings_id) DO NOTHING
			RETURNING version
		`, string(body))
	} else {
		row = s.pool.QueryRow(ctx, `
			UPDATE notification_settings
			SET version = version + 1, body = $2, updated_at = NOW()
			WHERE settings_id = 1 AND version = $1
			RETURNING version
		`, expectedVersion, string(body))
	}
	if err := row.Scan(&version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, store.ErrVersionConflict
		}
		return 0, err
	}
	return version, nil
}

func (s *Store) InsertNotification(ctx context.Context, notification store.Notification) error {
	if notification.NotificationID == "" {
		notification.NotificationID = uuid.NewString()
	}
	createdAt := notification.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notification_log (
			notification_id,
			event,
			ticket_code,
			channel,
			recipient,
			status,
			attempts,
			last_error,
			message,
			created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, notification.NotificationID, notification.Event, notification.TicketCode, notification.Channel, notification.Recipient, notification.Status, notification.Attempts, nullIfEmpty(notification.LastError), notification.Message, createdAt)
	return err
}

func (s *Store) MarkNotificationSent(ctx context.Context, notificationID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE notification_log
		SET status = 'sent', sent_at = NOW(), last_error = NULL
		WHERE notification_id = $1
	`, notificationID)
	return err
}

func (s *Store) MarkNotificationFailed(ctx context.Context, notificationID, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE notification_log
		SET status = 'failed', last_error = $2
		WHERE notification_id = $1
	`, notificationID, lastError)
	return err
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

var _ store.Store = (*Store)(nil)
