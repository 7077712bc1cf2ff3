package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/regainhq/regain/pkg/crypto"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrEmptyAuthUser rejects provisioning without an identity.
	ErrEmptyAuthUser = errors.New("store: auth user id must not be empty")
	// ErrInvalidBrandColor rejects settings outside #RRGGBB.
	ErrInvalidBrandColor = errors.New("store: brand color must be #RRGGBB hex")
	// ErrInvalidLogoURL rejects non-HTTPS logo URLs.
	ErrInvalidLogoURL = errors.New("store: logo url must start with https://")
)

var brandColorRe = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// Merchant is a tenant. Token fields are encrypted at rest and decrypted on
// read; a row whose tokens cannot be decrypted surfaces the stored
// ciphertext instead of failing the read.
type Merchant struct {
	ID                 string
	AuthUserID         string
	Email              string
	ConnectedAccountID string
	PlatformCustomerID string
	AccessToken        string
	RefreshToken       string
	OAuthState         string
	Tier               string
	SubscriptionPlanID string
	BillingCountry     string
	BillingAddress     string
	FromName           string
	SupportEmail       string
	BrandColor         string
	LogoURL            string
	CreatedAt          time.Time
}

// Connected reports whether the merchant completed the PP OAuth flow.
func (m *Merchant) Connected() bool { return m.ConnectedAccountID != "" }

// SettingsPatch carries the self-service fields a merchant may change.
// Nil means "leave unchanged".
type SettingsPatch struct {
	BillingCountry *string
	BillingAddress *string
	FromName       *string
	SupportEmail   *string
	BrandColor     *string
	LogoURL        *string
}

// MerchantStore persists merchants.
type MerchantStore struct {
	db     *DB
	cipher *crypto.TokenCipher
	logger *slog.Logger
}

func NewMerchantStore(db *DB, cipher *crypto.TokenCipher, logger *slog.Logger) *MerchantStore {
	return &MerchantStore{db: db, cipher: cipher, logger: logger.With("component", "merchant_store")}
}

var merchantsSchema = map[Dialect][]string{
	Postgres: {`
		CREATE TABLE IF NOT EXISTS merchants (
			id TEXT PRIMARY KEY,
			auth_user_id TEXT UNIQUE,
			email TEXT,
			connected_account_id TEXT UNIQUE,
			platform_customer_id TEXT UNIQUE,
			access_token TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			oauth_state TEXT,
			tier TEXT NOT NULL DEFAULT 'free',
			subscription_plan_id TEXT NOT NULL DEFAULT 'price_free',
			billing_country TEXT NOT NULL DEFAULT '',
			billing_address TEXT NOT NULL DEFAULT '',
			from_name TEXT NOT NULL DEFAULT '',
			support_email TEXT NOT NULL DEFAULT '',
			brand_color TEXT NOT NULL DEFAULT '',
			logo_url TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
	},
	SQLite: {`
		CREATE TABLE IF NOT EXISTS merchants (
			id TEXT PRIMARY KEY,
			auth_user_id TEXT UNIQUE,
			email TEXT,
			connected_account_id TEXT UNIQUE,
			platform_customer_id TEXT UNIQUE,
			access_token TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			oauth_state TEXT,
			tier TEXT NOT NULL DEFAULT 'free',
			subscription_plan_id TEXT NOT NULL DEFAULT 'price_free',
			billing_country TEXT NOT NULL DEFAULT '',
			billing_address TEXT NOT NULL DEFAULT '',
			from_name TEXT NOT NULL DEFAULT '',
			support_email TEXT NOT NULL DEFAULT '',
			brand_color TEXT NOT NULL DEFAULT '',
			logo_url TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
	},
}

// Init creates the merchants table and the sentinel system merchant that
// system tasks hang their foreign key on.
func (s *MerchantStore) Init(ctx context.Context) error {
	if err := execAll(ctx, s.db.SQL, merchantsSchema[s.db.dialect]); err != nil {
		return err
	}
	_, err := s.db.SQL.ExecContext(ctx, s.db.rebind(`
		INSERT INTO merchants (id, tier, subscription_plan_id, created_at)
		VALUES (?, 'system', 'price_free', ?)
		ON CONFLICT (id) DO NOTHING`),
		SystemMerchantID, s.db.timeArg(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("store: seed system merchant: %w", err)
	}
	return nil
}

const merchantColumns = `id, auth_user_id, email, connected_account_id, platform_customer_id,
	access_token, refresh_token, oauth_state, tier, subscription_plan_id,
	billing_country, billing_address, from_name, support_email, brand_color, logo_url, created_at`

// Provision creates a FREE merchant for an auth user on first sight.
// Concurrent requests for the same user are safe: the insert is a no-op on
// conflict and both callers read back the surviving row.
func (s *MerchantStore) Provision(ctx context.Context, authUserID, email string) (*Merchant, error) {
	if authUserID == "" {
		return nil, ErrEmptyAuthUser
	}
	_, err := s.db.SQL.ExecContext(ctx, s.db.rebind(`
		INSERT INTO merchants (id, auth_user_id, email, tier, subscription_plan_id, created_at)
		VALUES (?, ?, ?, 'free', 'price_free', ?)
		ON CONFLICT (auth_user_id) DO NOTHING`),
		uuid.New().String(), authUserID, nullable(email), s.db.timeArg(time.Now()),
	)
	if err != nil {
		return nil, fmt.Errorf("store: provision merchant: %w", err)
	}
	return s.ByAuthUser(ctx, authUserID)
}

func (s *MerchantStore) ByID(ctx context.Context, id string) (*Merchant, error) {
	return s.one(ctx, `WHERE id = ?`, id)
}

func (s *MerchantStore) ByAuthUser(ctx context.Context, authUserID string) (*Merchant, error) {
	return s.one(ctx, `WHERE auth_user_id = ?`, authUserID)
}

func (s *MerchantStore) ByConnectedAccount(ctx context.Context, accountID string) (*Merchant, error) {
	return s.one(ctx, `WHERE connected_account_id = ?`, accountID)
}

func (s *MerchantStore) ByPlatformCustomer(ctx context.Context, customerID string) (*Merchant, error) {
	return s.one(ctx, `WHERE platform_customer_id = ?`, customerID)
}

// ListIDs returns every merchant id except the system sentinel.
func (s *MerchantStore) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.SQL.QueryContext(ctx, s.db.rebind(
		`SELECT id FROM merchants WHERE id <> ? ORDER BY created_at ASC`), SystemMerchantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetOAuthState stores the CSRF state for an in-flight connect attempt.
func (s *MerchantStore) SetOAuthState(ctx context.Context, id, state string) error {
	return s.exec(ctx, `UPDATE merchants SET oauth_state = ? WHERE id = ?`, nullable(state), id)
}

// CompleteConnect persists a successful OAuth callback: account id and
// encrypted tokens land together and the state is cleared, in one statement.
func (s *MerchantStore) CompleteConnect(ctx context.Context, id, accountID, accessToken, refreshToken string) error {
	access, err := s.cipher.Encrypt(accessToken)
	if err != nil {
		return fmt.Errorf("store: encrypt access token: %w", err)
	}
	refresh, err := s.cipher.Encrypt(refreshToken)
	if err != nil {
		return fmt.Errorf("store: encrypt refresh token: %w", err)
	}
	return s.exec(ctx, `
		UPDATE merchants
		SET connected_account_id = ?, access_token = ?, refresh_token = ?, oauth_state = NULL
		WHERE id = ?`,
		nullable(accountID), access, refresh, id)
}

// Disconnect wipes the PP credentials and account linkage.
func (s *MerchantStore) Disconnect(ctx context.Context, id string) error {
	return s.exec(ctx, `
		UPDATE merchants
		SET connected_account_id = NULL, access_token = '', refresh_token = '', oauth_state = NULL
		WHERE id = ?`, id)
}

// SetSubscriptionPlan records the plan (PP price id) the merchant pays for.
func (s *MerchantStore) SetSubscriptionPlan(ctx context.Context, id, priceID string) error {
	return s.exec(ctx, `UPDATE merchants SET subscription_plan_id = ? WHERE id = ?`, priceID, id)
}

// SetPlatformCustomer links the PP customer object that bills this
// merchant on the platform account. The billing console owns the write
// path; subscription webhooks resolve merchants through it.
func (s *MerchantStore) SetPlatformCustomer(ctx context.Context, id, customerID string) error {
	return s.exec(ctx, `UPDATE merchants SET platform_customer_id = ? WHERE id = ?`, nullable(customerID), id)
}

// UpdateSettings applies the self-service whitelist. Unknown fields cannot
// reach this path; invalid values are rejected before any write.
func (s *MerchantStore) UpdateSettings(ctx context.Context, id string, patch SettingsPatch) error {
	if patch.BrandColor != nil && *patch.BrandColor != "" && !brandColorRe.MatchString(*patch.BrandColor) {
		return ErrInvalidBrandColor
	}
	if patch.LogoURL != nil && *patch.LogoURL != "" && !strings.HasPrefix(*patch.LogoURL, "https://") {
		return ErrInvalidLogoURL
	}

	set := make([]string, 0, 6)
	args := make([]any, 0, 7)
	add := func(col string, v *string) {
		if v != nil {
			set = append(set, col+" = ?")
			args = append(args, *v)
		}
	}
	add("billing_country", patch.BillingCountry)
	add("billing_address", patch.BillingAddress)
	add("from_name", patch.FromName)
	add("support_email", patch.SupportEmail)
	add("brand_color", patch.BrandColor)
	add("logo_url", patch.LogoURL)
	if len(set) == 0 {
		return nil
	}
	args = append(args, id)
	return s.exec(ctx, `UPDATE merchants SET `+strings.Join(set, ", ")+` WHERE id = ?`, args...)
}

// Erase removes the merchant and everything it owns in one transaction.
func (s *MerchantStore) Erase(ctx context.Context, id string) error {
	tx, err := s.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin erase: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM usage_logs WHERE merchant_id = ?`,
		`DELETE FROM daily_metrics WHERE merchant_id = ?`,
		`DELETE FROM email_templates WHERE merchant_id = ?`,
		`DELETE FROM tasks WHERE merchant_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, s.db.rebind(stmt), id); err != nil {
			return fmt.Errorf("store: erase dependents: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, s.db.rebind(`DELETE FROM merchants WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("store: erase merchant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (s *MerchantStore) one(ctx context.Context, where string, arg any) (*Merchant, error) {
	row := s.db.SQL.QueryRowContext(ctx,
		s.db.rebind(`SELECT `+merchantColumns+` FROM merchants `+where), arg)
	return s.scan(row)
}

func (s *MerchantStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.SQL.ExecContext(ctx, s.db.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("store: update merchant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *MerchantStore) scan(row rowScanner) (*Merchant, error) {
	var (
		m                           Merchant
		authUser, email, acct       sql.NullString
		customer, state             sql.NullString
		accessStored, refreshStored string
		createdAt                   dbTime
	)
	err := row.Scan(&m.ID, &authUser, &email, &acct, &customer,
		&accessStored, &refreshStored, &state, &m.Tier, &m.SubscriptionPlanID,
		&m.BillingCountry, &m.BillingAddress, &m.FromName, &m.SupportEmail,
		&m.BrandColor, &m.LogoURL, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan merchant: %w", err)
	}
	m.AuthUserID = authUser.String
	m.Email = email.String
	m.ConnectedAccountID = acct.String
	m.PlatformCustomerID = customer.String
	m.OAuthState = state.String
	m.CreatedAt = createdAt.T
	m.AccessToken = s.decryptField(m.ID, "access_token", accessStored)
	m.RefreshToken = s.decryptField(m.ID, "refresh_token", refreshStored)
	return &m, nil
}

// decryptField surfaces the stored ciphertext when decryption fails so one
// unrecoverable row never halts other read paths.
func (s *MerchantStore) decryptField(merchantID, column, stored string) string {
	plain, err := s.cipher.Decrypt(stored)
	if err != nil {
		s.logger.Warn("stored token undecryptable, surfacing ciphertext",
			"merchant_id", merchantID, "column", column, "error", err)
		return stored
	}
	return plain
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
