package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	// ErrInvalidRetryAttempt rejects attempts outside 1..3.
	ErrInvalidRetryAttempt = errors.New("store: retry attempt must be 1, 2 or 3")
	// ErrSubjectTooLong caps template subjects.
	ErrSubjectTooLong = errors.New("store: subject must be at most 200 characters")
)

// EmailTemplate is a merchant's custom copy for one dunning attempt. The
// body arrives pre-sanitized; the store never re-checks HTML.
type EmailTemplate struct {
	MerchantID   string `json:"merchantId"`
	RetryAttempt int    `json:"retryAttempt"`
	Subject      string `json:"subject"`
	Body         string `json:"body"`
}

// TemplateStore persists custom dunning templates.
type TemplateStore struct {
	db *DB
}

func NewTemplateStore(db *DB) *TemplateStore {
	return &TemplateStore{db: db}
}

var templatesSchema = map[Dialect][]string{
	Postgres: {`
		CREATE TABLE IF NOT EXISTS email_templates (
			merchant_id TEXT NOT NULL REFERENCES merchants(id) ON DELETE CASCADE,
			retry_attempt INTEGER NOT NULL CHECK (retry_attempt IN (1, 2, 3)),
			subject TEXT NOT NULL,
			body TEXT NOT NULL,
			PRIMARY KEY (merchant_id, retry_attempt)
		)`,
	},
	SQLite: {`
		CREATE TABLE IF NOT EXISTS email_templates (
			merchant_id TEXT NOT NULL REFERENCES merchants(id) ON DELETE CASCADE,
			retry_attempt INTEGER NOT NULL CHECK (retry_attempt IN (1, 2, 3)),
			subject TEXT NOT NULL,
			body TEXT NOT NULL,
			PRIMARY KEY (merchant_id, retry_attempt)
		)`,
	},
}

func (s *TemplateStore) Init(ctx context.Context) error {
	return execAll(ctx, s.db.SQL, templatesSchema[s.db.dialect])
}

// Upsert saves the template for one attempt, replacing any previous copy.
func (s *TemplateStore) Upsert(ctx context.Context, t *EmailTemplate) error {
	if t.RetryAttempt < 1 || t.RetryAttempt > 3 {
		return ErrInvalidRetryAttempt
	}
	if len(t.Subject) > 200 {
		return ErrSubjectTooLong
	}
	_, err := s.db.SQL.ExecContext(ctx, s.db.rebind(`
		INSERT INTO email_templates (merchant_id, retry_attempt, subject, body)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (merchant_id, retry_attempt) DO UPDATE SET
			subject = excluded.subject,
			body = excluded.body`),
		t.MerchantID, t.RetryAttempt, t.Subject, t.Body)
	if err != nil {
		return fmt.Errorf("store: upsert template: %w", err)
	}
	return nil
}

// Get returns the merchant's template for an attempt, or ErrNotFound when
// the merchant relies on the built-in copy.
func (s *TemplateStore) Get(ctx context.Context, merchantID string, attempt int) (*EmailTemplate, error) {
	t := EmailTemplate{MerchantID: merchantID, RetryAttempt: attempt}
	err := s.db.SQL.QueryRowContext(ctx, s.db.rebind(`
		SELECT subject, body FROM email_templates
		WHERE merchant_id = ? AND retry_attempt = ?`),
		merchantID, attempt,
	).Scan(&t.Subject, &t.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load template: %w", err)
	}
	return &t, nil
}
