package app

import (
	"context"
	"net/http"
	"reflect"
	"testing"
)

func TestSnapshotRestoreSyncsFilesAndRelaysEdits(t *testing.T) {
	fs := newFakeStore()
	alice := fs.addUser("u1", "Alice")
	bob := fs.addUser("u2", "Bob")
	fs.addProject("p1", alice.ID, false)
	fs.addMember("p1", bob.ID, "developer")
	svc := newTestService(t, fs)
	ctx := context.Background()

	created, err := svc.CreateFile(ctx, sessionFor(alice), "p1", CreateFileInput{FilePath: "a.md", Content: "v1"})
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	fileID := created["id"].(string)

	snap, err := svc.CreateSnapshot(ctx, sessionFor(alice), "p1", CreateSnapshotInput{Name: "  Milestone 1 ", Description: "first draft"})
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}
	if snap["name"] != "Milestone 1" || snap["files"] != 1 || snap["author"] != "Alice" {
		t.Fatalf("unexpected snapshot payload: %v", snap)
	}
	snapshotID := snap["id"].(string)

	if _, err := svc.UpdateFile(ctx, sessionFor(alice), "p1", fileID, UpdateFileInput{Content: "v2"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := svc.CreateFile(ctx, sessionFor(alice), "p1", CreateFileInput{FilePath: "b.md", Content: "later"}); err != nil {
		t.Fatalf("create file: %v", err)
	}

	bobConn := joinRoom(t, svc, "p1", bob.ID)
	restored, err := svc.RestoreSnapshot(ctx, sessionFor(alice), "p1", snapshotID)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored["changed"] != true ||
		!reflect.DeepEqual(restored["written"], []string{"a.md"}) ||
		!reflect.DeepEqual(restored["removed"], []string{"b.md"}) {
		t.Fatalf("unexpected restore payload: %v", restored)
	}

	edit := bobConn.next(t)
	if edit["type"] != "file_edit" || edit["file_id"] != fileID || edit["content"] != "v1" || edit["user_id"] != alice.ID {
		t.Fatalf("unexpected file_edit: %v", edit)
	}
	bobConn.expectQuiet(t)

	files, err := svc.ListFiles(ctx, sessionFor(bob), "p1")
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	if len(files) != 1 || files[0]["filePath"] != "a.md" || files[0]["id"] != fileID {
		t.Fatalf("expected only a.md after restore, got %v", files)
	}
	content, err := svc.GetFile(ctx, sessionFor(bob), "p1", fileID, "")
	if err != nil || content["content"] != "v1" {
		t.Fatalf("GetFile() = %v, %v", content, err)
	}

	again, err := svc.RestoreSnapshot(ctx, sessionFor(alice), "p1", snapshotID)
	if err != nil {
		t.Fatalf("second restore: %v", err)
	}
	if again["changed"] != false {
		t.Fatalf("expected no change on second restore, got %v", again)
	}
	bobConn.expectQuiet(t)

	_, err = svc.RestoreSnapshot(ctx, sessionFor(alice), "p1", "snp_missing")
	expectDomainError(t, err, http.StatusNotFound, "SNAPSHOT_NOT_FOUND")
}

func TestSnapshotsFollowRoles(t *testing.T) {
	fs := newFakeStore()
	alice := fs.addUser("u1", "Alice")
	viewer := fs.addUser("u2", "Viewer")
	fs.addProject("p1", alice.ID, false)
	fs.addMember("p1", viewer.ID, "viewer")
	svc := newTestService(t, fs)
	ctx := context.Background()

	_, err := svc.CreateSnapshot(ctx, sessionFor(viewer), "p1", CreateSnapshotInput{Name: "mine"})
	expectDomainError(t, err, http.StatusForbidden, "FORBIDDEN")
	_, err = svc.CreateSnapshot(ctx, sessionFor(alice), "p1", CreateSnapshotInput{Name: "   "})
	expectDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	snap, err := svc.CreateSnapshot(ctx, sessionFor(alice), "p1", CreateSnapshotInput{Name: "Kickoff"})
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}
	if snap["description"] != nil {
		t.Fatalf("expected empty description to be null, got %v", snap["description"])
	}

	items, err := svc.ListSnapshots(ctx, sessionFor(viewer), "p1")
	if err != nil || len(items) != 1 || items[0]["id"] != snap["id"] {
		t.Fatalf("ListSnapshots() = %v, %v", items, err)
	}
	_, err = svc.RestoreSnapshot(ctx, sessionFor(viewer), "p1", snap["id"].(string))
	expectDomainError(t, err, http.StatusForbidden, "FORBIDDEN")
}
