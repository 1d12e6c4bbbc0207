package repo

import (
	"context"
	"database/sql"

	"taskline/internal/db"
	"taskline/internal/domain"
)

func (r Repo) GetMembership(ctx context.Context, clientID string) (domain.ClientMembership, error) {
	return r.getMembership(ctx, nil, clientID)
}

func (r Repo) GetMembershipTx(ctx context.Context, tx *sql.Tx, clientID string) (domain.ClientMembership, error) {
	return r.getMembership(ctx, tx, clientID)
}

func (r Repo) getMembership(ctx context.Context, tx *sql.Tx, clientID string) (domain.ClientMembership, error) {
	var m domain.ClientMembership
	var company, reconciled sql.NullString
	err := r.q(tx).QueryRowContext(ctx, r.Conn.Rebind(`SELECT client_id,workspace_id,company_id,state,needs_reconcile,updated_at,reconciled_at FROM client_memberships WHERE client_id=?`), clientID).
		Scan(&m.ClientID, &m.WorkspaceID, &company, &m.State, &m.NeedsReconcile, &m.UpdatedAt, &reconciled)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.CompanyID = company.String
	m.ReconciledAt = strPtr(reconciled)
	return m, nil
}

// UpsertMembershipTx writes the full membership record.
func (r Repo) UpsertMembershipTx(ctx context.Context, tx *sql.Tx, m domain.ClientMembership) error {
	_, err := r.q(tx).ExecContext(ctx, r.Conn.Rebind(`INSERT INTO client_memberships(client_id,workspace_id,company_id,state,needs_reconcile,updated_at,reconciled_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT (client_id) DO UPDATE SET workspace_id=excluded.workspace_id, company_id=excluded.company_id, state=excluded.state,
needs_reconcile=excluded.needs_reconcile, updated_at=excluded.updated_at, reconciled_at=excluded.reconciled_at`),
		m.ClientID, m.WorkspaceID, db.Nullable(m.CompanyID), m.State, m.NeedsReconcile, m.UpdatedAt, db.NullableStringPtr(m.ReconciledAt))
	return err
}

func (r Repo) DeleteMembershipTx(ctx context.Context, tx *sql.Tx, clientID string) error {
	_, err := r.q(tx).ExecContext(ctx, r.Conn.Rebind(`DELETE FROM client_memberships WHERE client_id=?`), clientID)
	return err
}
