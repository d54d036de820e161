package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Product is a PRODUCT-scope isolation unit referenced by GovTask.product_id
// and Memory.product_id. Pausing a product suppresses governance dispatch
// for its scoped tasks (spec §4.G: "product gating").
type Product struct {
	ID        string
	Name      string
	Status    string // active | paused
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateProduct upserts a product by id, leaving status untouched if it
// already exists.
func (s *Store) CreateProduct(ctx context.Context, p Product) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, status) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING`, p.ID, p.Name, defaultString(p.Status, "active"))
	return err
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// GetProduct reads a single product by id.
func (s *Store) GetProduct(ctx context.Context, id string) (Product, error) {
	var p Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, created_at, updated_at FROM products WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Product{}, ErrNotFound
	}
	return p, err
}

// ListProducts returns every product, ordered by name.
func (s *Store) ListProducts(ctx context.Context) ([]Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, status, created_at, updated_at FROM products ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetProductStatus pauses or resumes a product.
func (s *Store) SetProductStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE products SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
