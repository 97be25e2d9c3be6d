package email

import (
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{name: "empty config", config: Config{}, expected: false},
		{name: "missing host", config: Config{Port: "587", From: "team@example.com"}, expected: false},
		{name: "missing port", config: Config{Host: "smtp.example.com", From: "team@example.com"}, expected: false},
		{name: "missing from", config: Config{Host: "smtp.example.com", Port: "587"}, expected: false},
		{name: "fully configured", config: Config{Host: "smtp.example.com", Port: "587", From: "team@example.com"}, expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

type sentMail struct {
	addr string
	auth smtp.Auth
	from string
	to   []string
	msg  string
}

func capture(svc *Service) *[]sentMail {
	var sent []sentMail
	svc.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		sent = append(sent, sentMail{addr: addr, auth: a, from: from, to: to, msg: string(msg)})
		return nil
	}
	return &sent
}

func TestSendMemberAdded(t *testing.T) {
	svc := NewService(Config{Host: "smtp.example.com", Port: "2525", From: "team@example.com", FromName: "Eduspace Team"})
	sent := capture(svc)

	err := svc.SendMemberAdded(MemberAdded{
		To:          "jordan@example.com",
		UserName:    "Jordan",
		ProjectName: "Thesis <draft>",
		Role:        "doc_manager",
		AddedBy:     "Avery",
		ProjectURL:  "https://eduspace.example.com/projects/prj_1",
	})
	if err != nil {
		t.Fatalf("SendMemberAdded() error = %v", err)
	}
	if len(*sent) != 1 {
		t.Fatalf("sent %d messages", len(*sent))
	}
	got := (*sent)[0]
	if got.addr != "smtp.example.com:2525" || got.from != "team@example.com" || got.to[0] != "jordan@example.com" {
		t.Fatalf("unexpected envelope: %+v", got)
	}
	if got.auth != nil {
		t.Fatal("expected no auth without a username")
	}
	for _, want := range []string{
		`From: "Eduspace Team" <team@example.com>`,
		"multipart/alternative",
		"Thesis &lt;draft&gt;",
		"doc manager",
		`href="https://eduspace.example.com/projects/prj_1"`,
		"Avery added you to \"Thesis <draft>\" as doc manager.",
	} {
		if !strings.Contains(got.msg, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestSendMemberAddedErrors(t *testing.T) {
	unconfigured := NewService(Config{})
	capture(unconfigured)
	if err := unconfigured.SendMemberAdded(MemberAdded{To: "a@example.com"}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("unconfigured error = %v", err)
	}

	svc := NewService(Config{Host: "smtp.example.com", Port: "25", From: "team@example.com", Username: "u", Password: "p"})
	sent := capture(svc)
	if err := svc.SendMemberAdded(MemberAdded{To: "not an address"}); err == nil {
		t.Fatal("expected invalid recipient error")
	}
	if len(*sent) != 0 {
		t.Fatal("invalid recipient should not be sent")
	}

	relayErr := errors.New("relay down")
	svc.send = func(string, smtp.Auth, string, []string, []byte) error { return relayErr }
	if err := svc.SendMemberAdded(MemberAdded{To: "a@example.com", UserName: "A"}); !errors.Is(err, relayErr) {
		t.Fatalf("relay error = %v", err)
	}
}

func TestSendProjectInvite(t *testing.T) {
	svc := NewService(Config{Host: "smtp.example.com", Port: "2525", From: "team@example.com"})
	sent := capture(svc)

	err := svc.SendProjectInvite(ProjectInvite{
		To:          "new.student@example.com",
		ProjectName: "Lab report",
		Role:        "viewer",
		InvitedBy:   "Avery",
		AcceptURL:   "https://eduspace.example.com/invites/tok123",
		ExpiresAt:   time.Date(2026, time.March, 9, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("SendProjectInvite() error = %v", err)
	}
	if len(*sent) != 1 || (*sent)[0].to[0] != "new.student@example.com" {
		t.Fatalf("unexpected envelope: %+v", *sent)
	}
	for _, want := range []string{
		`href="https://eduspace.example.com/invites/tok123"`,
		"Avery invited you to join \"Lab report\" as viewer.",
		"March 9, 2026",
	} {
		if !strings.Contains((*sent)[0].msg, want) {
			t.Errorf("message missing %q", want)
		}
	}

	if err := svc.SendProjectInvite(ProjectInvite{To: "nobody"}); err == nil {
		t.Fatal("expected invalid recipient error")
	}
}
