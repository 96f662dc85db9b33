package market

import (
	"context"
	"database/sql"
)

// PostgresStore persists market data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed market store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, type, name, email, created_at
		FROM accounts WHERE id = $1`, id)

	var a Account
	err := row.Scan(&a.ID, &a.Type, &a.Name, &a.Email, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *PostgresStore) GetListing(ctx context.Context, id string) (*Listing, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, seller, status, date_of_mining, lot_weight, purity, lot_number,
		       price, price_per_gram, created_at, updated_at
		FROM listings WHERE id = $1`, id)

	var l Listing
	err := row.Scan(&l.ID, &l.Seller, &l.Status,
		&l.Information.DateOfMining, &l.Information.LotWeight, &l.Information.Purity,
		&l.Information.LotNumber, &l.Information.Price, &l.Information.PricePerGram,
		&l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrListingNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (*Offer, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, buyer, listing, amount, status, expires_at, created_at, updated_at
		FROM offers WHERE id = $1`, id)

	var o Offer
	err := row.Scan(&o.ID, &o.Buyer, &o.Listing, &o.Amount, &o.Status,
		&o.ExpiresAt, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrOfferNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*Request, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, buyer, listing, status, expires_at, created_at, updated_at
		FROM requests WHERE id = $1`, id)

	var r Request
	err := row.Scan(&r.ID, &r.Buyer, &r.Listing, &r.Status,
		&r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *PostgresStore) UpdateOfferStatus(ctx context.Context, id string, status ProposalStatus) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE offers SET status = $1, updated_at = NOW() WHERE id = $2`,
		string(status), id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOfferNotFound
	}
	return nil
}

func (p *PostgresStore) UpdateRequestStatus(ctx context.Context, id string, status ProposalStatus) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE requests SET status = $1, updated_at = NOW() WHERE id = $2`,
		string(status), id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRequestNotFound
	}
	return nil
}

func (p *PostgresStore) CreateAccount(ctx context.Context, a *Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (id, type, name, email, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		a.ID, string(a.Type), a.Name, a.Email, a.CreatedAt)
	return err
}

func (p *PostgresStore) CreateListing(ctx context.Context, l *Listing) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO listings (id, seller, status, date_of_mining, lot_weight, purity,
		                      lot_number, price, price_per_gram, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		l.ID, l.Seller, l.Status,
		l.Information.DateOfMining, l.Information.LotWeight, l.Information.Purity,
		l.Information.LotNumber, l.Information.Price, l.Information.PricePerGram,
		l.CreatedAt, l.UpdatedAt)
	return err
}

func (p *PostgresStore) CreateOffer(ctx context.Context, o *Offer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO offers (id, buyer, listing, amount, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		o.ID, o.Buyer, o.Listing, o.Amount, string(o.Status),
		o.ExpiresAt, o.CreatedAt, o.UpdatedAt)
	return err
}

func (p *PostgresStore) CreateRequest(ctx context.Context, r *Request) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO requests (id, buyer, listing, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.Buyer, r.Listing, string(r.Status),
		r.ExpiresAt, r.CreatedAt, r.UpdatedAt)
	return err
}
