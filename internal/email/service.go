// Package email sends project notifications over SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const appName = "Eduspace"

var ErrNotConfigured = errors.New("email not configured")

type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// Service sends mail through one SMTP relay.
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: net.JoinHostPort(config.Host, config.Port),
		auth:   auth,
		send:   smtp.SendMail,
	}
}

func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// MemberAdded describes a membership change for the added user.
type MemberAdded struct {
	To          string
	UserName    string
	ProjectName string
	Role        string
	AddedBy     string
	ProjectURL  string
}

// SendMemberAdded tells a user they were added to a project, or that their
// role changed.
func (s *Service) SendMemberAdded(n MemberAdded) error {
	if _, err := mail.ParseAddress(n.To); err != nil {
		return fmt.Errorf("invalid recipient %q: %w", n.To, err)
	}
	data := struct {
		MemberAdded
		AppName   string
		RoleLabel string
	}{n, appName, strings.ReplaceAll(n.Role, "_", " ")}

	var html bytes.Buffer
	if err := memberAddedTemplate.Execute(&html, data); err != nil {
		return fmt.Errorf("render member added template: %w", err)
	}
	text := fmt.Sprintf("Hi %s,\r\n\r\n%s added you to %q as %s.\r\n\r\nOpen the project: %s\r\n",
		n.UserName, n.AddedBy, n.ProjectName, data.RoleLabel, n.ProjectURL)
	subject := fmt.Sprintf("You were added to %s on %s", n.ProjectName, appName)
	return s.SendHTMLEmail([]string{n.To}, subject, text, html.String())
}

// ProjectInvite carries an invitation link to someone who may not have an
// account yet.
type ProjectInvite struct {
	To          string
	ProjectName string
	Role        string
	InvitedBy   string
	AcceptURL   string
	ExpiresAt   time.Time
}

// SendProjectInvite mails the accept link of an invitation.
func (s *Service) SendProjectInvite(n ProjectInvite) error {
	if _, err := mail.ParseAddress(n.To); err != nil {
		return fmt.Errorf("invalid recipient %q: %w", n.To, err)
	}
	data := struct {
		ProjectInvite
		AppName   string
		RoleLabel string
		Expires   string
	}{n, appName, strings.ReplaceAll(n.Role, "_", " "), n.ExpiresAt.UTC().Format("January 2, 2006")}

	var html bytes.Buffer
	if err := projectInviteTemplate.Execute(&html, data); err != nil {
		return fmt.Errorf("render project invite template: %w", err)
	}
	text := fmt.Sprintf("Hi,\r\n\r\n%s invited you to join %q as %s.\r\n\r\nAccept the invitation: %s\r\n\r\nThe link expires on %s.\r\n",
		n.InvitedBy, n.ProjectName, data.RoleLabel, n.AcceptURL, data.Expires)
	subject := fmt.Sprintf("%s invited you to %s on %s", n.InvitedBy, n.ProjectName, appName)
	return s.SendHTMLEmail([]string{n.To}, subject, text, html.String())
}

// SendHTMLEmail sends a multipart/alternative message with a plain text
// fallback.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = (&mail.Address{Name: s.config.FromName, Address: s.config.From}).String()
	}
	boundary := "eduspace-" + uuid.NewString()

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&msg, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)

	fmt.Fprintf(&msg, "--%s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s\r\n", boundary, textBody)
	fmt.Fprintf(&msg, "--%s\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s\r\n", boundary, htmlBody)
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	if err := s.send(s.server, s.auth, s.config.From, to, msg.Bytes()); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

var memberAddedTemplate = template.Must(template.New("member_added").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.ProjectName}} on {{.AppName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #2f855a; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #2f855a; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header"><h1>{{.AppName}}</h1></div>
    <p>Hi {{.UserName}},</p>
    <p>{{.AddedBy}} added you to <strong>{{.ProjectName}}</strong> as <strong>{{.RoleLabel}}</strong>.</p>
    <p><a href="{{.ProjectURL}}" class="button">Open project</a></p>
    <div class="footer">
        <p>You are receiving this because a project leader changed your membership.</p>
    </div>
</body>
</html>`))

var projectInviteTemplate = template.Must(template.New("project_invite").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Join {{.ProjectName}} on {{.AppName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #2f855a; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #2f855a; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header"><h1>{{.AppName}}</h1></div>
    <p>Hi,</p>
    <p>{{.InvitedBy}} invited you to join <strong>{{.ProjectName}}</strong> as <strong>{{.RoleLabel}}</strong>.</p>
    <p><a href="{{.AcceptURL}}" class="button">Accept invitation</a></p>
    <div class="footer">
        <p>This invitation expires on {{.Expires}}. If you did not expect it, you can ignore this email.</p>
    </div>
</body>
</html>`))
