package chunkstore

import (
	"errors"
	"io"
	"testing"
)

func TestPutOverwriteIndices(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, i := range []int{2, 0, 10} {
		if err := s.Put("ups_1", i, []byte{byte(i)}); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	if err := s.Put("ups_1", 2, []byte("again")); err != nil {
		t.Fatal(err)
	}

	idx, err := s.Indices("ups_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(idx) != 3 || idx[0] != 0 || idx[1] != 2 || idx[2] != 10 {
		t.Fatalf("indices = %v, want [0 2 10]", idx)
	}

	rc, err := s.Open("ups_1", 2)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "again" {
		t.Fatalf("chunk 2 = %q, want again", data)
	}

	size, err := s.Size("ups_1")
	if err != nil || size != 7 {
		t.Fatalf("Size = %d, %v; want 7", size, err)
	}
}

func TestUnknownSession(t *testing.T) {
	s, _ := New(t.TempDir())
	idx, err := s.Indices("ups_none")
	if err != nil || len(idx) != 0 {
		t.Fatalf("Indices = %v, %v", idx, err)
	}
	if _, err := s.Open("ups_none", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Open err = %v, want ErrNotFound", err)
	}
	if err := s.Delete("ups_none"); err != nil {
		t.Fatalf("Delete unknown: %v", err)
	}
}

func TestRejectsBadInput(t *testing.T) {
	s, _ := New(t.TempDir())
	if err := s.Put("../escape", 0, nil); err == nil {
		t.Fatal("expected error for traversal session")
	}
	if err := s.Put("ups_1", -1, nil); err == nil {
		t.Fatal("expected error for negative index")
	}
}

func TestDeleteAndSessions(t *testing.T) {
	s, _ := New(t.TempDir())
	s.Put("a", 0, []byte("x"))
	s.Put("b", 0, []byte("y"))
	if err := s.Delete("a"); err != nil {
		t.Fatal(err)
	}
	sess, err := s.Sessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(sess) != 1 || sess[0] != "b" {
		t.Fatalf("sessions = %v", sess)
	}
}
