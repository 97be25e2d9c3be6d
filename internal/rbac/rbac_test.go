package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "viewer read", role: RoleViewer, action: ActionRead, allow: true},
		{name: "viewer chat", role: RoleViewer, action: ActionChat, allow: false},
		{name: "viewer edit", role: RoleViewer, action: ActionEdit, allow: false},
		{name: "developer edit", role: RoleDeveloper, action: ActionEdit, allow: true},
		{name: "designer chat", role: RoleDesigner, action: ActionChat, allow: true},
		{name: "doc manager manage", role: RoleDocManager, action: ActionManage, allow: false},
		{name: "leader manage", role: RoleLeader, action: ActionManage, allow: true},
		{name: "unknown read", role: Role("owner"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("doc_manager"); got != RoleDocManager {
		t.Fatalf("Normalize(doc_manager) = %q", got)
	}
	if got := Normalize("superuser"); got != RoleViewer {
		t.Fatalf("Normalize(superuser) = %q, want viewer", got)
	}
}

func TestCanAccessPublicProject(t *testing.T) {
	if !CanAccess("", false, true, ActionRead) {
		t.Fatal("outsider should read a public project")
	}
	if CanAccess("", false, true, ActionChat) {
		t.Fatal("outsider must not chat in a public project")
	}
	if CanAccess("", false, false, ActionRead) {
		t.Fatal("outsider must not read a private project")
	}
	if !CanAccess("viewer", true, false, ActionRead) {
		t.Fatal("member viewer should read")
	}
}
