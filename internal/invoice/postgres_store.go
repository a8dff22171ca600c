package invoice

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/birdhaven/donations/internal/currency"
	"github.com/birdhaven/donations/internal/pagination"
)

// PostgresStore persists invoices in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed invoice store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const invoiceColumns = `
	id, bird_id, amount_fiat, fiat_currency, cover_fee, fee_amount, charge_fiat,
	expected_token_amount, token_symbol, exchange_rate, rate_fetched_at,
	payment_method, network, merchant_address, payment_uri,
	status, confirmations, required_confirmations,
	transaction_hash, payer_address, payment_source,
	created_at, expires_at, confirmed_at, completed_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, inv *Invoice) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)
	`,
		inv.ID, nullString(inv.BirdID), inv.AmountFiat, string(inv.FiatCurrency), inv.CoverFee,
		inv.FeeAmount, inv.ChargeFiat, inv.ExpectedTokenAmount, inv.TokenSymbol,
		inv.ExchangeRate, inv.RateFetchedAt,
		string(inv.PaymentMethod), nullString(string(inv.Network)), nullString(inv.MerchantAddress), inv.PaymentURI,
		string(inv.Status), inv.Confirmations, inv.RequiredConfirmations,
		nullString(inv.TransactionHash), nullString(inv.PayerAddress), nullString(string(inv.PaymentSource)),
		inv.CreatedAt, inv.ExpiresAt, nullTime(inv.ConfirmedAt), nullTime(inv.CompletedAt), inv.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Invoice, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
	inv, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvoiceNotFound
	}
	return inv, err
}

// Update writes the mutable lifecycle fields. The status guard in the WHERE
// clause makes a terminal row immutable even under concurrent writers.
func (p *PostgresStore) Update(ctx context.Context, inv *Invoice) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE invoices SET
			status = $2, confirmations = $3, transaction_hash = $4, payer_address = $5,
			payment_source = $6, confirmed_at = $7, completed_at = $8, updated_at = $9
		WHERE id = $1 AND status NOT IN ('CONFIRMED', 'FAILED', 'EXPIRED', 'CANCELLED')
	`,
		inv.ID, string(inv.Status), inv.Confirmations,
		nullString(inv.TransactionHash), nullString(inv.PayerAddress), nullString(string(inv.PaymentSource)),
		nullTime(inv.ConfirmedAt), nullTime(inv.CompletedAt), inv.UpdatedAt,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}

	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM invoices WHERE id = $1)`, inv.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrInvoiceNotFound
	}
	return ErrInvoiceFinalized
}

func (p *PostgresStore) ListByBird(ctx context.Context, birdID string, after *pagination.Cursor, limit int) ([]*Invoice, error) {
	var (
		afterAt sql.NullTime
		afterID string
	)
	if after != nil {
		afterAt = sql.NullTime{Time: after.CreatedAt, Valid: true}
		afterID = after.ID
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE bird_id = $1
		  AND ($2::timestamptz IS NULL OR (created_at, id) < ($2, $3))
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, birdID, afterAt, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanInvoices(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Invoice, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE status IN ('DRAFT', 'PENDING_PAYMENT', 'PROCESSING') AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanInvoices(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInvoice(s scanner) (*Invoice, error) {
	var (
		inv                                      Invoice
		birdID, network, merchant, txHash, payer sql.NullString
		source                                   sql.NullString
		fiat, method, status                     string
		confirmedAt, completedAt                 sql.NullTime
	)
	err := s.Scan(
		&inv.ID, &birdID, &inv.AmountFiat, &fiat, &inv.CoverFee, &inv.FeeAmount, &inv.ChargeFiat,
		&inv.ExpectedTokenAmount, &inv.TokenSymbol, &inv.ExchangeRate, &inv.RateFetchedAt,
		&method, &network, &merchant, &inv.PaymentURI,
		&status, &inv.Confirmations, &inv.RequiredConfirmations,
		&txHash, &payer, &source,
		&inv.CreatedAt, &inv.ExpiresAt, &confirmedAt, &completedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	inv.BirdID = birdID.String
	inv.FiatCurrency = currency.Fiat(fiat)
	inv.PaymentMethod = currency.PaymentMethod(method)
	inv.Network = currency.Network(network.String)
	inv.MerchantAddress = merchant.String
	inv.Status = Status(status)
	inv.TransactionHash = txHash.String
	inv.PayerAddress = payer.String
	inv.PaymentSource = PaymentSource(source.String)
	if confirmedAt.Valid {
		t := confirmedAt.Time
		inv.ConfirmedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		inv.CompletedAt = &t
	}
	return &inv, nil
}

func scanInvoices(rows *sql.Rows) ([]*Invoice, error) {
	var result []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inv)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
