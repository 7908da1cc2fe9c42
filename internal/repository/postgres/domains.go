package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/offermail/internal/domain"
)

// DomainRepo implements domains.Repository and lifecycle.DomainStore
// against PostgreSQL.
type DomainRepo struct{ db *sql.DB }

// NewDomainRepo creates a Postgres-backed domain repository.
func NewDomainRepo(db *sql.DB) *DomainRepo { return &DomainRepo{db: db} }

func (r *DomainRepo) ListDomains(ctx context.Context) ([]domain.ManagedDomain, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, active, priority, current_user_count, max_user_count
		FROM managed_domains
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	defer rows.Close()

	var out []domain.ManagedDomain
	for rows.Next() {
		var d domain.ManagedDomain
		if err := rows.Scan(&d.ID, &d.Name, &d.Active, &d.Priority, &d.CurrentUserCount, &d.MaxUserCount); err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ReserveSlot increments the user count only while the domain is active
// and below capacity.
func (r *DomainRepo) ReserveSlot(ctx context.Context, domainID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE managed_domains
		SET current_user_count = current_user_count + 1, updated_at = NOW()
		WHERE id = $1 AND active = true AND current_user_count < max_user_count
	`, domainID)
	if err != nil {
		return false, fmt.Errorf("reserve domain slot: %w", err)
	}
	return affected(res)
}

// ReleaseSlot decrements the user count of the named domain, never below
// zero.
func (r *DomainRepo) ReleaseSlot(ctx context.Context, domainName string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE managed_domains
		SET current_user_count = current_user_count - 1, updated_at = NOW()
		WHERE lower(name) = lower($1) AND current_user_count > 0
	`, domainName)
	if err != nil {
		return fmt.Errorf("release domain slot: %w", err)
	}
	return nil
}
