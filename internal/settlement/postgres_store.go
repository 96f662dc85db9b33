package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const ledgerColumns = `id, tracking_id, hash, reference, status, amount,
	buyer, seller, listing, offer, request,
	anchored, anchor_tx, cancel_reason, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, l *Ledger) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ledgers (`+ledgerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		l.ID, l.TrackingID, l.Hash, l.Reference, string(l.Status), l.Amount,
		l.Buyer, l.Seller, l.Listing, nullable(l.Offer), nullable(l.Request),
		l.Anchored, nullable(l.AnchorTx), nullable(l.CancelReason), l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ledger: %w", err)
	}
	return nil
}

func (p *PostgresStore) Update(ctx context.Context, l *Ledger) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE ledgers
		SET status = $2, anchored = $3, anchor_tx = $4, cancel_reason = $5, updated_at = $6
		WHERE id = $1`,
		l.ID, string(l.Status), l.Anchored, nullable(l.AnchorTx), nullable(l.CancelReason), l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update ledger: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLedgerNotFound
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Ledger, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM ledgers WHERE id = $1`, id)
	return scanLedger(row)
}

func (p *PostgresStore) FindByIDOrReference(ctx context.Context, id, reference string) (*Ledger, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+ledgerColumns+` FROM ledgers
		WHERE ($1 <> '' AND id = $1) OR ($2 <> '' AND reference = $2)
		LIMIT 1`,
		id, reference,
	)
	return scanLedger(row)
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Ledger, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+ledgerColumns+` FROM ledgers
		WHERE ($1 = '' OR buyer = $1 OR seller = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR tracking_id = $3)
		  AND ($4 = '' OR hash = $4)
		  AND ($5 = '' OR reference = $5)
		ORDER BY created_at DESC
		LIMIT $6`,
		f.Account, string(f.Status), f.TrackingID, f.Hash, f.Reference, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list ledgers: %w", err)
	}
	defer rows.Close()

	var out []*Ledger
	for rows.Next() {
		l, err := scanLedger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (p *PostgresStore) TrackingIDExists(ctx context.Context, trackingID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM ledgers WHERE tracking_id = $1)`, trackingID,
	).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) HashExists(ctx context.Context, hash string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM ledgers WHERE hash = $1)`, hash,
	).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) Analytics(ctx context.Context, accountID string) (*Analytics, error) {
	a := &Analytics{}
	err := p.db.QueryRowContext(ctx, `
		SELECT count(*),
		       COALESCE(sum(amount) FILTER (WHERE seller = $1 AND status = 'completed'), 0)
		FROM ledgers
		WHERE buyer = $1 OR seller = $1`,
		accountID,
	).Scan(&a.TotalTransactions, &a.TotalSales)
	if err != nil {
		return nil, fmt.Errorf("ledger analytics: %w", err)
	}
	return a, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLedger(row scanner) (*Ledger, error) {
	var l Ledger
	var status string
	var offer, request, anchorTx, cancelReason sql.NullString
	err := row.Scan(
		&l.ID, &l.TrackingID, &l.Hash, &l.Reference, &status, &l.Amount,
		&l.Buyer, &l.Seller, &l.Listing, &offer, &request,
		&l.Anchored, &anchorTx, &cancelReason, &l.CreatedAt, &l.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLedgerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan ledger: %w", err)
	}
	l.Status = Status(status)
	l.Offer = offer.String
	l.Request = request.String
	l.AnchorTx = anchorTx.String
	l.CancelReason = cancelReason.String
	return &l, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
