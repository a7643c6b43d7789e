// Package payment is the integration boundary with the external payment
// processor. It owns plan reference data, payment session records, and the
// idempotent verification flow that upgrades a conversation to premium.
package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// Plan is read-only reference data describing a purchasable upgrade.
// DurationDays is stored and surfaced but nothing currently expires a
// premium conversation.
type Plan struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	PriceCents     int64  `json:"price_cents"`
	MessageCredits int    `json:"message_credits"`
	DurationDays   int    `json:"duration_days"`
	IsActive       bool   `json:"is_active"`
}

// ErrPlanNotFound is returned for unknown or inactive plans.
var ErrPlanNotFound = errors.New("payment: plan not found")

// Catalog provides read access to plans. The core never mutates plans.
type Catalog interface {
	// Get returns the active plan or ErrPlanNotFound.
	Get(ctx context.Context, planID string) (*Plan, error)

	// List returns all active plans.
	List(ctx context.Context) ([]Plan, error)
}

// PostgresCatalog reads plans from the plans table.
type PostgresCatalog struct {
	db *sql.DB
}

// NewPostgresCatalog creates a Catalog backed by the given database handle.
func NewPostgresCatalog(db *sql.DB) *PostgresCatalog {
	return &PostgresCatalog{db: db}
}

// Get returns the active plan with the given id.
func (c *PostgresCatalog) Get(ctx context.Context, planID string) (*Plan, error) {
	const query = `
		SELECT id, name, price_cents, message_credits, duration_days, is_active
		FROM plans
		WHERE id = $1 AND is_active`

	var p Plan
	err := c.db.QueryRowContext(ctx, query, planID).
		Scan(&p.ID, &p.Name, &p.PriceCents, &p.MessageCredits, &p.DurationDays, &p.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("payment: get plan: %w", err)
	}
	return &p, nil
}

// List returns all active plans ordered by price.
func (c *PostgresCatalog) List(ctx context.Context) ([]Plan, error) {
	const query = `
		SELECT id, name, price_cents, message_credits, duration_days, is_active
		FROM plans
		WHERE is_active
		ORDER BY price_cents`

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("payment: list plans: %w", err)
	}
	defer rows.Close()

	var out []Plan
	for rows.Next() {
		var p Plan
		if err := rows.Scan(&p.ID, &p.Name, &p.PriceCents, &p.MessageCredits,
			&p.DurationDays, &p.IsActive); err != nil {
			return nil, fmt.Errorf("payment: list plans scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MemoryCatalog is an in-memory Catalog for tests and dev mode.
type MemoryCatalog struct {
	mu    sync.RWMutex
	plans map[string]Plan
}

// NewMemoryCatalog creates a catalog seeded with the given plans.
func NewMemoryCatalog(plans ...Plan) *MemoryCatalog {
	c := &MemoryCatalog{plans: make(map[string]Plan)}
	for _, p := range plans {
		c.plans[p.ID] = p
	}
	return c
}

// Get returns the active plan with the given id.
func (c *MemoryCatalog) Get(ctx context.Context, planID string) (*Plan, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.plans[planID]
	if !ok || !p.IsActive {
		return nil, ErrPlanNotFound
	}
	cp := p
	return &cp, nil
}

// List returns all active plans.
func (c *MemoryCatalog) List(ctx context.Context) ([]Plan, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Plan
	for _, p := range c.plans {
		if p.IsActive {
			out = append(out, p)
		}
	}
	return out, nil
}
