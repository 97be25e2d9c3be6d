package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"eduspace/api/internal/auth"
	"eduspace/api/internal/email"
	"eduspace/api/internal/rbac"
	"eduspace/api/internal/store"
	"eduspace/api/internal/util"
)

const inviteTTL = 7 * 24 * time.Hour

type CreateInviteInput struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

func invitePayload(inv store.ProjectInvite, now time.Time) map[string]any {
	var inviteeID, inviteeEmail any
	if inv.InviteeID != nil {
		inviteeID = *inv.InviteeID
	}
	if inv.InviteeEmail != nil {
		inviteeEmail = *inv.InviteeEmail
	}
	return map[string]any{
		"id":           inv.ID,
		"projectId":    inv.ProjectID,
		"inviterId":    inv.InviterID,
		"inviterName":  inv.InviterName,
		"inviteeId":    inviteeID,
		"inviteeEmail": inviteeEmail,
		"role":         inv.Role,
		"status":       inv.Status,
		"expired":      inv.Status == "pending" && !now.Before(inv.ExpiresAt),
		"expiresAt":    inv.ExpiresAt,
		"createdAt":    inv.CreatedAt,
	}
}

// CreateInvite invites a user, by id or email, to the project. Emails
// without an account are kept as-is and matched when the link is redeemed.
// The token is only returned here; the store keeps its hash.
func (s *Service) CreateInvite(ctx context.Context, session Session, projectID string, input CreateInviteInput) (map[string]any, error) {
	access, err := s.authorize(ctx, projectID, session.UserID, rbac.ActionManage)
	if err != nil {
		return nil, err
	}
	role := strings.TrimSpace(input.Role)
	if role == "" {
		role = string(rbac.RoleViewer)
	}
	if !rbac.Valid(role) {
		return nil, validationError("role must be one of leader, developer, designer, doc_manager, viewer")
	}

	invite := store.ProjectInvite{
		ID:          util.NewID("inv"),
		ProjectID:   projectID,
		InviterID:   session.UserID,
		InviterName: session.UserName,
		Role:        role,
		Status:      "pending",
		ExpiresAt:   time.Now().Add(inviteTTL).UTC(),
		CreatedAt:   time.Now().UTC(),
	}

	var user store.User
	userID := strings.TrimSpace(input.UserID)
	address := strings.ToLower(strings.TrimSpace(input.Email))
	switch {
	case userID != "":
		user, err = s.store.GetUserByID(ctx, userID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("USER_NOT_FOUND", "User not found")
		}
	case address != "":
		if _, perr := mail.ParseAddress(address); perr != nil {
			return nil, validationError("email must be a valid address")
		}
		user, err = s.store.GetUserByEmail(ctx, address)
		if errors.Is(err, sql.ErrNoRows) {
			invite.InviteeEmail = &address
			err = nil
		}
	default:
		return nil, validationError("userId or email is required")
	}
	if err != nil {
		return nil, err
	}

	recipient := address
	if user.ID != "" {
		_, member, err := s.store.MemberRole(ctx, projectID, user.ID)
		if err != nil {
			return nil, err
		}
		if member {
			return nil, domainError(http.StatusConflict, "ALREADY_MEMBER", "User is already a member of this project", map[string]any{"userId": user.ID})
		}
		invite.InviteeID = &user.ID
		recipient = user.Email
	}

	token := util.NewID("ivt") + util.NewID("")
	invite.TokenHash = auth.HashToken(token)
	if err := s.store.InsertInvite(ctx, invite); err != nil {
		return nil, err
	}

	acceptURL := s.cfg.AppURL + "/invites/" + token
	s.notifyInvite(access.project, invite, recipient, acceptURL, session.UserName)
	s.log.WithField("project_id", projectID).WithField("invite_id", invite.ID).Info("project invite created")

	payload := invitePayload(invite, time.Now())
	payload["token"] = token
	payload["acceptUrl"] = acceptURL
	return payload, nil
}

// notifyInvite mails the accept link in the background. Failures are logged
// and never fail the invite.
func (s *Service) notifyInvite(project store.Project, invite store.ProjectInvite, to, acceptURL, invitedBy string) {
	if s.notifier == nil || to == "" {
		return
	}
	msg := email.ProjectInvite{
		To:          to,
		ProjectName: project.Title,
		Role:        invite.Role,
		InvitedBy:   firstNonBlank(invitedBy, "A project leader"),
		AcceptURL:   acceptURL,
		ExpiresAt:   invite.ExpiresAt,
	}
	go func() {
		if err := s.notifier.SendProjectInvite(msg); err != nil {
			s.log.WithError(err).WithField("invite_id", invite.ID).Warn("invite notification failed")
		}
	}()
}

func (s *Service) ListInvites(ctx context.Context, session Session, projectID string) ([]map[string]any, error) {
	if _, err := s.authorize(ctx, projectID, session.UserID, rbac.ActionManage); err != nil {
		return nil, err
	}
	invites, err := s.store.ListInvites(ctx, projectID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	items := make([]map[string]any, 0, len(invites))
	for _, inv := range invites {
		items = append(items, invitePayload(inv, now))
	}
	return items, nil
}

// RevokeInvite withdraws a pending invite. Accepted or already revoked
// invites are 404.
func (s *Service) RevokeInvite(ctx context.Context, session Session, projectID, inviteID string) error {
	if _, err := s.authorize(ctx, projectID, session.UserID, rbac.ActionManage); err != nil {
		return err
	}
	revoked, err := s.store.RevokeInvite(ctx, projectID, inviteID)
	if err != nil {
		return err
	}
	if !revoked {
		return notFound("INVITE_NOT_FOUND", "Invite not found")
	}
	s.log.WithField("project_id", projectID).WithField("invite_id", inviteID).Info("project invite revoked")
	return nil
}

// AcceptInvite redeems token for the caller and returns the project with
// their role. A caller who is already a member keeps their current role.
func (s *Service) AcceptInvite(ctx context.Context, session Session, token string) (map[string]any, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, notFound("INVITE_NOT_FOUND", "Invite not found or already used")
	}
	invite, err := s.store.GetInviteByTokenHash(ctx, auth.HashToken(token))
	if errors.Is(err, sql.ErrNoRows) || (err == nil && invite.Status != "pending") {
		return nil, notFound("INVITE_NOT_FOUND", "Invite not found or already used")
	}
	if err != nil {
		return nil, err
	}
	if !time.Now().Before(invite.ExpiresAt) {
		return nil, domainError(http.StatusGone, "INVITE_EXPIRED", "Invite has expired", map[string]any{"expiresAt": invite.ExpiresAt})
	}

	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	if invite.InviteeID != nil && *invite.InviteeID != user.ID {
		return nil, domainError(http.StatusForbidden, "INVITE_MISMATCH", "This invite is for a different user", nil)
	}
	if invite.InviteeEmail != nil && !strings.EqualFold(*invite.InviteeEmail, user.Email) {
		return nil, domainError(http.StatusForbidden, "INVITE_MISMATCH", "This invite is for a different email", nil)
	}

	accepted, err := s.store.AcceptInvite(ctx, invite.ID, user.ID)
	if err != nil {
		return nil, err
	}
	if !accepted {
		return nil, notFound("INVITE_NOT_FOUND", "Invite not found or already used")
	}
	s.log.WithField("project_id", invite.ProjectID).WithField("user_id", user.ID).Info("project invite accepted")

	access, err := s.authorize(ctx, invite.ProjectID, user.ID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	return projectPayload(access.project, access.role), nil
}
