package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/ocx/backend/internal/dbtx"
	"github.com/ocx/backend/internal/domain"
)

// PostgresStore is the production RelationalStore, adapted from the
// teacher's internal/database/supabase.go CRUD style but backed directly
// by lib/pq rather than the Supabase REST client — the core's append-only
// ledger and queue tables need transactional semantics the PostgREST
// client doesn't expose.
type PostgresStore struct {
	db *sql.DB
	tx *dbtx.Manager
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{db: db, tx: dbtx.NewManager(db)}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.tx.WithTx(ctx, fn)
}

func (s *PostgresStore) q(ctx context.Context) dbtx.Querier { return dbtx.Q(ctx, s.db) }

// --- Users ---

func (s *PostgresStore) GetUser(ctx context.Context, id domain.ID) (*domain.User, error) {
	row := s.q(ctx).QueryRowContext(ctx, `
		SELECT id, preferred_language, role, created_at FROM users WHERE id = $1`, id)
	var u domain.User
	if err := row.Scan(&u.ID, &u.PreferredLanguage, &u.Role, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// --- Conversations ---

func (s *PostgresStore) GetConversation(ctx context.Context, id domain.ID) (*domain.Conversation, error) {
	row := s.q(ctx).QueryRowContext(ctx, `
		SELECT id, owner_user_id, is_multi_user, max_users, allow_user_invites, created_at, last_message_at
		FROM conversations WHERE id = $1`, id)
	var c domain.Conversation
	if err := row.Scan(&c.ID, &c.OwnerUserID, &c.IsMultiUser, &c.MaxUsers, &c.AllowUserInvites, &c.CreatedAt, &c.LastMessageAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) UpdateConversationLastMessageAt(ctx context.Context, id domain.ID, at time.Time) error {
	_, err := s.q(ctx).ExecContext(ctx, `UPDATE conversations SET last_message_at = $1 WHERE id = $2`, at, id)
	return err
}

func (s *PostgresStore) TransferOwnership(ctx context.Context, convID, newOwner domain.ID) error {
	_, err := s.q(ctx).ExecContext(ctx, `UPDATE conversations SET owner_user_id = $1 WHERE id = $2`, newOwner, convID)
	return err
}

// --- Memberships ---

func (s *PostgresStore) GetMembership(ctx context.Context, convID, userID domain.ID) (*domain.Membership, error) {
	row := s.q(ctx).QueryRowContext(ctx, `
		SELECT conversation_id, user_id, role, can_write, can_invite, can_moderate, is_active, invited_by, joined_at
		FROM memberships WHERE conversation_id = $1 AND user_id = $2`, convID, userID)
	var m domain.Membership
	if err := row.Scan(&m.ConversationID, &m.UserID, &m.Role, &m.CanWrite, &m.CanInvite, &m.CanModerate, &m.IsActive, &m.InvitedBy, &m.JoinedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) ListActiveMemberships(ctx context.Context, convID domain.ID) ([]domain.Membership, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT conversation_id, user_id, role, can_write, can_invite, can_moderate, is_active, invited_by, joined_at
		FROM memberships WHERE conversation_id = $1 AND is_active = true`, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Membership
	for rows.Next() {
		var m domain.Membership
		if err := rows.Scan(&m.ConversationID, &m.UserID, &m.Role, &m.CanWrite, &m.CanInvite, &m.CanModerate, &m.IsActive, &m.InvitedBy, &m.JoinedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertMembership(ctx context.Context, m domain.Membership) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO memberships (conversation_id, user_id, role, can_write, can_invite, can_moderate, is_active, invited_by, joined_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (conversation_id, user_id) DO UPDATE SET
			role = EXCLUDED.role, can_write = EXCLUDED.can_write, can_invite = EXCLUDED.can_invite,
			can_moderate = EXCLUDED.can_moderate, is_active = EXCLUDED.is_active, invited_by = EXCLUDED.invited_by
	`, m.ConversationID, m.UserID, m.Role, m.CanWrite, m.CanInvite, m.CanModerate, m.IsActive, m.InvitedBy, m.JoinedAt)
	return err
}

func (s *PostgresStore) DeactivateMembership(ctx context.Context, convID, userID domain.ID) error {
	_, err := s.q(ctx).ExecContext(ctx, `UPDATE memberships SET is_active = false WHERE conversation_id = $1 AND user_id = $2`, convID, userID)
	return err
}

func (s *PostgresStore) CountActiveMemberships(ctx context.Context, convID domain.ID) (int, error) {
	row := s.q(ctx).QueryRowContext(ctx, `SELECT count(*) FROM memberships WHERE conversation_id = $1 AND is_active = true`, convID)
	var n int
	err := row.Scan(&n)
	return n, err
}

// --- Participants ---

func (s *PostgresStore) ListParticipants(ctx context.Context, convID domain.ID) ([]domain.Participant, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, conversation_id, kind, display_name, represented_character_id, llm_profile, config_override, created_at
		FROM participants WHERE conversation_id = $1 ORDER BY created_at ASC`, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Participant
	for rows.Next() {
		var p domain.Participant
		var cfg []byte
		if err := rows.Scan(&p.ID, &p.ConversationID, &p.Kind, &p.DisplayName, &p.RepresentedCharacterID, &p.LLMProfile, &cfg, &p.CreatedAt); err != nil {
			return nil, err
		}
		if len(cfg) > 0 {
			_ = json.Unmarshal(cfg, &p.ConfigOverride)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Messages ---

func (s *PostgresStore) AppendMessage(ctx context.Context, m domain.Message) (domain.Message, error) {
	meta, _ := json.Marshal(m.Metadata)
	row := s.q(ctx).QueryRowContext(ctx, `
		INSERT INTO messages (conversation_id, sender_kind, sender_ref, content, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id`, m.ConversationID, m.SenderKind, m.SenderRef, m.Content, meta, m.CreatedAt)
	if err := row.Scan(&m.ID); err != nil {
		return domain.Message{}, err
	}
	return m, nil
}

func (s *PostgresStore) RecentMessages(ctx context.Context, convID domain.ID, limit int) ([]domain.Message, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, conversation_id, sender_kind, sender_ref, content, metadata, created_at
		FROM messages WHERE conversation_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, convID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		var meta []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderKind, &m.SenderRef, &m.Content, &meta, &m.CreatedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &m.Metadata)
		}
		out = append(out, m)
	}
	// reverse into chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

// --- Plans ---

func (s *PostgresStore) GetPlan(ctx context.Context, id domain.ID) (*domain.Plan, error) {
	row := s.q(ctx).QueryRowContext(ctx, `
		SELECT id, name, monthly_credits, price_usd, is_active FROM plans WHERE id = $1`, id)
	var p domain.Plan
	if err := row.Scan(&p.ID, &p.Name, &p.MonthlyCredits, &p.PriceUSD, &p.IsActive); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetActiveUserPlan(ctx context.Context, userID domain.ID) (*domain.UserPlan, error) {
	row := s.q(ctx).QueryRowContext(ctx, `
		SELECT id, user_id, plan_id, status, start_date, end_date, current_period_start, current_period_end, last_credits_granted_at
		FROM user_plans WHERE user_id = $1 AND status = 'ACTIVE' AND (end_date IS NULL OR end_date > now())
		ORDER BY start_date DESC LIMIT 1`, userID)
	var up domain.UserPlan
	if err := row.Scan(&up.ID, &up.UserID, &up.PlanID, &up.Status, &up.StartDate, &up.EndDate, &up.CurrentPeriodStart, &up.CurrentPeriodEnd, &up.LastCreditsGrantedAt); err != nil {
		return nil, err
	}
	return &up, nil
}

func (s *PostgresStore) ListUserPlansDueForGrant(ctx context.Context, asOf time.Time) ([]domain.UserPlan, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, user_id, plan_id, status, start_date, end_date, current_period_start, current_period_end, last_credits_granted_at
		FROM user_plans WHERE status = 'ACTIVE' AND current_period_end <= $1`, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.UserPlan
	for rows.Next() {
		var up domain.UserPlan
		if err := rows.Scan(&up.ID, &up.UserID, &up.PlanID, &up.Status, &up.StartDate, &up.EndDate, &up.CurrentPeriodStart, &up.CurrentPeriodEnd, &up.LastCreditsGrantedAt); err != nil {
			return nil, err
		}
		out = append(out, up)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AdvanceUserPlanPeriod(ctx context.Context, userPlanID domain.ID, grantedAt, newPeriodStart, newPeriodEnd time.Time) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		UPDATE user_plans SET last_credits_granted_at = $1, current_period_start = $2, current_period_end = $3
		WHERE id = $4`, grantedAt, newPeriodStart, newPeriodEnd, userPlanID)
	return err
}

// --- Credit ledger rows ---

func (s *PostgresStore) InsertCreditTransaction(ctx context.Context, t domain.CreditTransaction) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO credit_transactions (id, user_id, kind, amount, notes, related_usage_id, related_plan_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		t.ID, t.UserID, t.Kind, t.Amount, t.Notes, t.RelatedUsageID, t.RelatedPlanID, t.CreatedAt)
	return err
}

func (s *PostgresStore) SumTransactionsSince(ctx context.Context, userID domain.ID, since time.Time) (domain.Money, error) {
	row := s.q(ctx).QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE user_id = $1 AND created_at >= $2`, userID, since)
	var sum domain.Money
	err := row.Scan(&sum)
	return sum, err
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context, userID domain.ID, asOf time.Time) (*domain.MonthlySnapshot, error) {
	row := s.q(ctx).QueryRowContext(ctx, `
		SELECT user_id, month_start, starting_balance FROM monthly_snapshots
		WHERE user_id = $1 AND month_start <= $2 ORDER BY month_start DESC LIMIT 1`, userID, asOf)
	var snap domain.MonthlySnapshot
	if err := row.Scan(&snap.UserID, &snap.MonthStart, &snap.StartingBalance); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &snap, nil
}

func (s *PostgresStore) InsertSnapshotIfAbsent(ctx context.Context, snap domain.MonthlySnapshot) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO monthly_snapshots (user_id, month_start, starting_balance)
		VALUES ($1,$2,$3)
		ON CONFLICT (user_id, month_start) DO NOTHING`, snap.UserID, snap.MonthStart, snap.StartingBalance)
	return err
}

func (s *PostgresStore) ExistsTransactionTagged(ctx context.Context, userID domain.ID, kind domain.TransactionKind, tag string) (bool, error) {
	row := s.q(ctx).QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM credit_transactions WHERE user_id = $1 AND kind = $2 AND notes = $3)`,
		userID, kind, "idem:"+tag)
	var exists bool
	err := row.Scan(&exists)
	return exists, err
}

func (s *PostgresStore) SumTransactionsInRange(ctx context.Context, userID domain.ID, since, before time.Time) (domain.Money, error) {
	row := s.q(ctx).QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM credit_transactions
		WHERE user_id = $1 AND created_at >= $2 AND created_at < $3`, userID, since, before)
	var sum domain.Money
	err := row.Scan(&sum)
	return sum, err
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID domain.ID, limit int) ([]domain.CreditTransaction, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, user_id, kind, amount, notes, related_usage_id, related_plan_id, created_at
		FROM credit_transactions WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CreditTransaction
	for rows.Next() {
		var t domain.CreditTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Kind, &t.Amount, &t.Notes, &t.RelatedUsageID, &t.RelatedPlanID, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Usage records ---

func (s *PostgresStore) InsertUsageRecord(ctx context.Context, rec domain.UsageRecord) error {
	meta, _ := json.Marshal(rec.Metadata)
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO usage_records (id, user_id, service_key, provider, model, input_tokens, output_tokens,
			chars, units, raw_cost_usd, credits_charged, unknown_service, failed_insufficient_credits, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		rec.ID, rec.UserID, rec.ServiceKey, rec.Provider, rec.Model, rec.InputTokens, rec.OutputTokens,
		rec.Chars, rec.Units, rec.RawCostUSD, rec.CreditsCharged, rec.UnknownService, rec.FailedInsufficientCredits, meta, rec.CreatedAt)
	return err
}

func (s *PostgresStore) NextUnpriced(ctx context.Context, userID domain.ID, limit int) ([]domain.UsageRecord, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, user_id, service_key, provider, model, input_tokens, output_tokens, chars, units,
			raw_cost_usd, credits_charged, unknown_service, failed_insufficient_credits, metadata, created_at
		FROM usage_records WHERE user_id = $1 AND credits_charged IS NULL ORDER BY created_at ASC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.UsageRecord
	for rows.Next() {
		var r domain.UsageRecord
		var meta []byte
		if err := rows.Scan(&r.ID, &r.UserID, &r.ServiceKey, &r.Provider, &r.Model, &r.InputTokens, &r.OutputTokens,
			&r.Chars, &r.Units, &r.RawCostUSD, &r.CreditsCharged, &r.UnknownService, &r.FailedInsufficientCredits, &meta, &r.CreatedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &r.Metadata)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkPriced(ctx context.Context, recordID domain.ID, creditsCharged domain.Money, unknownService, failedInsufficientCredits bool) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		UPDATE usage_records SET credits_charged = $1, unknown_service = $2, failed_insufficient_credits = $3
		WHERE id = $4`, creditsCharged, unknownService, failedInsufficientCredits, recordID)
	return err
}

// --- Jobs ---

func (s *PostgresStore) InsertJob(ctx context.Context, j domain.Job) error {
	payload, _ := json.Marshal(j.Payload)
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO jobs (id, type, payload, state, attempts, max_attempts, priority, not_before,
			owner_user_id, session_id, dedup_key, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		j.ID, j.Type, payload, j.State, j.Attempts, j.MaxAttempts, j.Priority, j.NotBefore,
		j.OwnerUserID, j.SessionID, nullIfEmpty(j.DedupKey), j.CreatedAt, j.UpdatedAt)
	return err
}

func (s *PostgresStore) GetJobByDedupKey(ctx context.Context, dedupKey string) (*domain.Job, error) {
	return s.scanJobRow(s.q(ctx).QueryRowContext(ctx, jobSelectSQL+` WHERE dedup_key = $1`, dedupKey))
}

func (s *PostgresStore) GetJob(ctx context.Context, id domain.ID) (*domain.Job, error) {
	return s.scanJobRow(s.q(ctx).QueryRowContext(ctx, jobSelectSQL+` WHERE id = $1`, id))
}

const jobSelectSQL = `
	SELECT id, type, payload, state, attempts, max_attempts, priority, not_before,
		owner_user_id, session_id, result, error_code, error_message, lease_until, cancelled, created_at, updated_at
	FROM jobs`

func (s *PostgresStore) scanJobRow(row *sql.Row) (*domain.Job, error) {
	var j domain.Job
	var payload, result []byte
	var errCode, errMsg sql.NullString
	if err := row.Scan(&j.ID, &j.Type, &payload, &j.State, &j.Attempts, &j.MaxAttempts, &j.Priority, &j.NotBefore,
		&j.OwnerUserID, &j.SessionID, &result, &errCode, &errMsg, &j.LeaseUntil, &j.Cancelled, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	_ = json.Unmarshal(payload, &j.Payload)
	if len(result) > 0 {
		_ = json.Unmarshal(result, &j.Result)
	}
	if errCode.Valid {
		j.Error = &domain.JobError{Code: errCode.String, Message: errMsg.String}
	}
	return &j, nil
}

// ClaimNextJob picks the highest-priority eligible job (QUEUED with
// notBefore <= now, or RUNNING with an expired lease) and atomically
// transitions it to RUNNING — "conditional update" per §4.3.
func (s *PostgresStore) ClaimNextJob(ctx context.Context, types []string, leaseUntil time.Time) (*domain.Job, error) {
	var claimed *domain.Job
	err := s.WithTx(ctx, func(ctx context.Context) error {
		q := s.q(ctx)
		row := q.QueryRowContext(ctx, `
			SELECT id FROM jobs
			WHERE type = ANY($1)
			  AND (
			    (state = 'QUEUED' AND not_before <= now())
			    OR (state = 'RUNNING' AND lease_until < now())
			  )
			ORDER BY priority DESC, not_before ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED`, pqArray(types))

		var id domain.ID
		if err := row.Scan(&id); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return err
		}

		_, err := q.ExecContext(ctx, `
			UPDATE jobs SET state = 'RUNNING', attempts = attempts + 1, lease_until = $1, updated_at = now()
			WHERE id = $2`, leaseUntil, id)
		if err != nil {
			return err
		}

		j, err := s.scanJobRow(q.QueryRowContext(ctx, jobSelectSQL+` WHERE id = $1`, id))
		claimed = j
		return err
	})
	return claimed, err
}

func (s *PostgresStore) UpdateJobProgress(ctx context.Context, id domain.ID, p domain.JobProgress, leaseUntil time.Time) error {
	data, _ := json.Marshal(p.Data)
	_, err := s.q(ctx).ExecContext(ctx, `
		UPDATE jobs SET progress_stage = $1, progress_total = $2, progress_message = $3, progress_data = $4,
			lease_until = $5, updated_at = now() WHERE id = $6`,
		p.Stage, p.Total, p.Message, data, leaseUntil, id)
	return err
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id domain.ID, result map[string]interface{}) error {
	data, _ := json.Marshal(result)
	_, err := s.q(ctx).ExecContext(ctx, `
		UPDATE jobs SET state = 'SUCCEEDED', result = $1, updated_at = now() WHERE id = $2`, data, id)
	return err
}

func (s *PostgresStore) FailJob(ctx context.Context, id domain.ID, jobErr domain.JobError, requeueAt *time.Time) error {
	if requeueAt != nil {
		_, err := s.q(ctx).ExecContext(ctx, `
			UPDATE jobs SET state = 'QUEUED', not_before = $1, error_code = $2, error_message = $3, updated_at = now()
			WHERE id = $4`, *requeueAt, jobErr.Code, jobErr.Message, id)
		return err
	}
	_, err := s.q(ctx).ExecContext(ctx, `
		UPDATE jobs SET state = 'FAILED', error_code = $1, error_message = $2, updated_at = now() WHERE id = $3`,
		jobErr.Code, jobErr.Message, id)
	return err
}

func (s *PostgresStore) CancelJob(ctx context.Context, id domain.ID) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		UPDATE jobs SET cancelled = true, updated_at = now() WHERE id = $1 AND state IN ('QUEUED','RUNNING')`, id)
	return err
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// pqArray renders a Go string slice as a Postgres text[] literal. Kept
// dependency-free (no lib/pq Array helper import cycle) since it is only
// used for the one IN-list query above.
func pqArray(ss []string) string {
	out := "{"
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += `"` + s + `"`
	}
	return out + "}"
}
