package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/loyalty-otp/internal/domain"
)

const pgUniqueViolation = "23505"

const otpColumns = `id, email, phone, otp_code, purpose, delivery_method,
	created_at, expires_at, used_at, attempts_count, max_attempts`

// activeClause matches records that can still be verified against at $n.
const activeClause = `used_at IS NULL AND attempts_count < max_attempts AND expires_at > `

type OTPRepo struct {
	db DB
}

func NewOTPRepo(db DB) *OTPRepo {
	return &OTPRepo{db: db}
}

func (r *OTPRepo) Create(ctx context.Context, rec *domain.OTPRecord) error {
	if err := rec.Contact.Validate(); err != nil {
		return fmt.Errorf("create otp: %w", domain.ErrBadRequest)
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	key := rec.Contact.Key()
	if rec.Purpose == domain.PurposePasswordReset {
		// Serializes reset creation per contact for the rest of the transaction.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
			return fmt.Errorf("lock contact: %w", err)
		}
		var exists bool
		err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM otp_records
				WHERE contact_key = $1 AND purpose = $2 AND `+activeClause+`$3)`,
			key, rec.Purpose, rec.CreatedAt,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check active reset: %w", err)
		}
		if exists {
			return domain.ErrActiveOTPExists
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO otp_records (id, contact_key, email, phone, otp_code, purpose, delivery_method,
			created_at, expires_at, used_at, attempts_count, max_attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.ID, key, nullable(rec.Contact.Email), nullable(rec.Contact.Phone), rec.Code,
		rec.Purpose, rec.DeliveryMethod, rec.CreatedAt, rec.ExpiresAt, rec.UsedAt,
		rec.AttemptsCount, rec.MaxAttempts,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("otp %s: %w", rec.ID, domain.ErrConflict)
		}
		return fmt.Errorf("insert otp: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *OTPRepo) FindLatest(ctx context.Context, contact domain.ContactRef, purpose domain.Purpose) (*domain.OTPRecord, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+otpColumns+` FROM otp_records
		WHERE contact_key = $1 AND purpose = $2
		ORDER BY created_at DESC, id DESC LIMIT 1`,
		contact.Key(), purpose,
	)
	rec, err := scanOTP(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("otp: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find latest otp: %w", err)
	}
	return rec, nil
}

func (r *OTPRepo) CountSince(ctx context.Context, contact domain.ContactRef, purpose domain.Purpose, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT count(*) FROM otp_records
		WHERE contact_key = $1 AND purpose = $2 AND created_at >= $3`,
		contact.Key(), purpose, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count otps: %w", err)
	}
	return n, nil
}

func (r *OTPRepo) FindActive(ctx context.Context, contact domain.ContactRef, purpose domain.Purpose, now time.Time) ([]domain.OTPRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+otpColumns+` FROM otp_records
		WHERE contact_key = $1 AND purpose = $2 AND `+activeClause+`$3
		ORDER BY created_at DESC, id DESC`,
		contact.Key(), purpose, now,
	)
	if err != nil {
		return nil, fmt.Errorf("find active otps: %w", err)
	}
	defer rows.Close()
	var out []domain.OTPRecord
	for rows.Next() {
		rec, err := scanOTP(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (r *OTPRepo) FindForVerification(ctx context.Context, contact domain.ContactRef, code string, purpose domain.Purpose, now time.Time) (*domain.OTPRecord, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+otpColumns+` FROM otp_records
		WHERE contact_key = $1 AND purpose = $2 AND otp_code = $3 AND `+activeClause+`$4
		ORDER BY created_at DESC, id DESC LIMIT 1`,
		contact.Key(), purpose, code, now,
	)
	rec, err := scanOTP(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("otp: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find otp for verification: %w", err)
	}
	return rec, nil
}

func (r *OTPRepo) IncrementAttempts(ctx context.Context, id string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`UPDATE otp_records SET attempts_count = attempts_count + 1
		WHERE id = $1 AND used_at IS NULL AND attempts_count < max_attempts
		RETURNING attempts_count`,
		id,
	).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("otp %s not eligible: %w", id, domain.ErrConflict)
	}
	if err != nil {
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	return n, nil
}

func (r *OTPRepo) MarkUsed(ctx context.Context, id string, at time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE otp_records SET used_at = $2
		WHERE id = $1 AND used_at IS NULL AND attempts_count < max_attempts`,
		id, at,
	)
	if err != nil {
		return 0, fmt.Errorf("mark otp used: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *OTPRepo) MarkUsedBulk(ctx context.Context, ids []string, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE otp_records SET used_at = $2
		WHERE id = ANY($1) AND used_at IS NULL AND attempts_count < max_attempts`,
		ids, at,
	)
	if err != nil {
		return 0, fmt.Errorf("mark otps used: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanOTP(row pgx.Row) (*domain.OTPRecord, error) {
	var (
		rec          domain.OTPRecord
		email, phone *string
	)
	err := row.Scan(&rec.ID, &email, &phone, &rec.Code, &rec.Purpose, &rec.DeliveryMethod,
		&rec.CreatedAt, &rec.ExpiresAt, &rec.UsedAt, &rec.AttemptsCount, &rec.MaxAttempts)
	if err != nil {
		return nil, err
	}
	if email != nil {
		rec.Contact.Email = *email
	}
	if phone != nil {
		rec.Contact.Phone = *phone
	}
	return &rec, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
