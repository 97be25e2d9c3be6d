package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const inviteColumns = `i.id, i.project_id, i.inviter_id, u.display_name, i.invitee_id, i.invitee_email,
	i.token_hash, i.role, i.status, i.expires_at, i.created_at`

func scanInvite(row interface{ Scan(...any) error }) (ProjectInvite, error) {
	var item ProjectInvite
	err := row.Scan(&item.ID, &item.ProjectID, &item.InviterID, &item.InviterName, &item.InviteeID, &item.InviteeEmail,
		&item.TokenHash, &item.Role, &item.Status, &item.ExpiresAt, &item.CreatedAt)
	return item, err
}

func (s *PostgresStore) InsertInvite(ctx context.Context, invite ProjectInvite) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_invites (id, project_id, inviter_id, invitee_id, invitee_email, token_hash, role, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, invite.ID, invite.ProjectID, invite.InviterID, invite.InviteeID, invite.InviteeEmail, invite.TokenHash, invite.Role, invite.ExpiresAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert invite: %w", err)
	}
	return nil
}

// ListInvites returns every invite of the project, newest first.
func (s *PostgresStore) ListInvites(ctx context.Context, projectID string) ([]ProjectInvite, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+inviteColumns+`
		FROM project_invites i
		JOIN users u ON u.id = i.inviter_id
		WHERE i.project_id = $1
		ORDER BY i.created_at DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list invites: %w", err)
	}
	defer rows.Close()

	items := make([]ProjectInvite, 0)
	for rows.Next() {
		item, err := scanInvite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invite: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invites: %w", err)
	}
	return items, nil
}

// GetInviteByTokenHash returns sql.ErrNoRows for unknown tokens, whatever
// the invite's status.
func (s *PostgresStore) GetInviteByTokenHash(ctx context.Context, tokenHash string) (ProjectInvite, error) {
	return scanInvite(s.db.QueryRowContext(ctx, `
		SELECT `+inviteColumns+`
		FROM project_invites i
		JOIN users u ON u.id = i.inviter_id
		WHERE i.token_hash = $1
	`, tokenHash))
}

// RevokeInvite marks a pending invite revoked; ok is false when no pending
// invite with that id exists in the project.
func (s *PostgresStore) RevokeInvite(ctx context.Context, projectID, inviteID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE project_invites SET status = 'revoked'
		WHERE id = $1 AND project_id = $2 AND status = 'pending'
	`, inviteID, projectID)
	if err != nil {
		return false, fmt.Errorf("revoke invite: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// AcceptInvite redeems a pending, unexpired invite for userID and adds them
// to the project with the invite's role. An existing membership keeps its
// role. ok is false when the invite was no longer redeemable.
func (s *PostgresStore) AcceptInvite(ctx context.Context, inviteID, userID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin accept invite: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var projectID, role string
	err = tx.QueryRowContext(ctx, `
		UPDATE project_invites SET status = 'accepted'
		WHERE id = $1 AND status = 'pending' AND expires_at > NOW()
		RETURNING project_id, role
	`, inviteID).Scan(&projectID, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mark invite accepted: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, user_id) DO NOTHING
	`, projectID, userID, role); err != nil {
		return false, fmt.Errorf("insert invited member: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit accept invite: %w", err)
	}
	return true, nil
}
