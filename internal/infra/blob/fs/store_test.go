package fs

import (
	"context"
	"io"
	"strings"
	"testing"

	"billingcore/internal/blob/core"
)

func TestFilesystemRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if _, err := s.Put(ctx, "archive/batch-1.json", strings.NewReader("payload"), core.PutOptions{ContentType: "application/json", Metadata: map[string]string{"events": "2"}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.Put(ctx, "archive/batch-1.json", strings.NewReader("other"), core.PutOptions{}); err == nil {
		t.Fatal("put should be create-only")
	}

	info, rc, err := s.Get(ctx, "archive/batch-1.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != "payload" {
		t.Fatalf("body = %q", body)
	}
	if info.Metadata["events"] != "2" {
		t.Fatalf("metadata = %v", info.Metadata)
	}

	infos, err := s.List(ctx, "archive/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 1 || infos[0].Key != "archive/batch-1.json" {
		t.Fatalf("list = %+v", infos)
	}

	existed, err := s.Delete(ctx, "archive/batch-1.json")
	if err != nil || !existed {
		t.Fatalf("delete existed=%v err=%v", existed, err)
	}
	existed, err = s.Delete(ctx, "archive/batch-1.json")
	if err != nil || existed {
		t.Fatalf("second delete existed=%v err=%v", existed, err)
	}
}

func TestFilesystemRejectsTraversal(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := s.Put(context.Background(), "../escape", strings.NewReader("x"), core.PutOptions{}); err == nil {
		t.Fatal("traversal key should be rejected")
	}
}
