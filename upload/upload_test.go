package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/hazyhaar/scribe/chunkstore"
	"github.com/hazyhaar/scribe/dbopen"
)

func newAssembler(t *testing.T, opts ...Option) *Assembler {
	t.Helper()
	dir := t.TempDir()
	cs, err := chunkstore.New(filepath.Join(dir, "chunks"))
	if err != nil {
		t.Fatal(err)
	}
	a := New(dbopen.OpenMemory(t), cs, filepath.Join(dir, "artifacts"), opts...)
	if err := a.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return a
}

func sha(data []byte) string {
	s := sha256.Sum256(data)
	return hex.EncodeToString(s[:])
}

var parts = [][]byte{[]byte("alpha-"), []byte("bravo-"), []byte("charlie")}

func TestOutOfOrderAssembly(t *testing.T) {
	a := newAssembler(t)
	ctx := context.Background()
	s, err := a.Open(ctx, "u1", "meeting.wav", 3, sha(bytes.Join(parts, nil)))
	if err != nil {
		t.Fatal(err)
	}

	for i, idx := range []int{2, 0, 1} {
		res, err := a.PutChunk(ctx, s.ID, "u1", idx, 3, parts[idx])
		if err != nil {
			t.Fatalf("PutChunk(%d): %v", idx, err)
		}
		if wantComplete := i == 2; res.Complete != wantComplete {
			t.Fatalf("after %d chunks Complete = %v", i+1, res.Complete)
		}
	}

	done, err := a.Finalize(ctx, s.ID, "")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	got, err := os.ReadFile(done.ArtifactPath)
	if err != nil {
		t.Fatal(err)
	}
	if want := bytes.Join(parts, nil); !bytes.Equal(got, want) {
		t.Fatalf("artifact = %q, want %q", got, want)
	}
	if done.State != Assembled || filepath.Base(done.ArtifactPath) != "meeting.wav" {
		t.Fatalf("session = %+v", done)
	}
	if idx, _ := a.chunks.Indices(s.ID); len(idx) != 0 {
		t.Fatalf("chunks left after assembly: %v", idx)
	}

	again, err := a.Finalize(ctx, s.ID, "")
	if err != nil || again.ArtifactPath != done.ArtifactPath {
		t.Fatalf("second Finalize = %+v, %v", again, err)
	}
	if _, err := a.PutChunk(ctx, s.ID, "u1", 0, 3, parts[0]); !errors.Is(err, ErrClosed) {
		t.Fatalf("chunk after assembly err = %v, want ErrClosed", err)
	}
}

func TestDuplicateChunkIdempotent(t *testing.T) {
	a := newAssembler(t)
	ctx := context.Background()

	r1, err := a.PutChunk(ctx, "ups_dup", "u1", 1, 2, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	r2, err := a.PutChunk(ctx, "ups_dup", "u1", 1, 2, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if r1 != r2 || r2.Received != 1 || r2.Complete {
		t.Fatalf("results differ: %+v vs %+v", r1, r2)
	}
	st, err := a.Status(ctx, "ups_dup")
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Missing) != 1 || st.Missing[0] != 0 {
		t.Fatalf("missing = %v, want [0]", st.Missing)
	}
}

func TestPutChunkRejections(t *testing.T) {
	a := newAssembler(t, WithMaxChunkBytes(4))
	ctx := context.Background()
	if _, err := a.PutChunk(ctx, "ups_r", "u1", 0, 2, []byte("ok")); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name         string
		index, total int
		data         []byte
	}{
		{"index beyond total", 2, 2, []byte("a")},
		{"negative index", -1, 2, []byte("a")},
		{"total conflict", 1, 3, []byte("a")},
		{"too large", 1, 2, []byte("12345")},
	}
	for _, c := range cases {
		if _, err := a.PutChunk(ctx, "ups_r", "u1", c.index, c.total, c.data); !errors.Is(err, ErrInvalidChunk) {
			t.Errorf("%s: err = %v, want ErrInvalidChunk", c.name, err)
		}
	}
	st, _ := a.Status(ctx, "ups_r")
	if len(st.Received) != 1 || st.Session.TotalChunks != 2 {
		t.Fatalf("rejected chunks mutated state: %+v", st)
	}
}

func TestFinalizeIncomplete(t *testing.T) {
	a := newAssembler(t)
	ctx := context.Background()
	a.PutChunk(ctx, "ups_i", "u1", 0, 3, parts[0])
	a.PutChunk(ctx, "ups_i", "u1", 2, 3, parts[2])

	_, err := a.Finalize(ctx, "ups_i", "")
	var ie *IncompleteError
	if !errors.As(err, &ie) || !errors.Is(err, ErrIncompleteUpload) {
		t.Fatalf("err = %v, want IncompleteError", err)
	}
	if len(ie.Missing) != 1 || ie.Missing[0] != 1 {
		t.Fatalf("missing = %v, want [1]", ie.Missing)
	}
	s, _ := a.Get(ctx, "ups_i")
	if s.State != Receiving {
		t.Fatalf("state = %s, want receiving", s.State)
	}

	a.PutChunk(ctx, "ups_i", "u1", 1, 3, parts[1])
	if _, err := a.Finalize(ctx, "ups_i", ""); err != nil {
		t.Fatalf("Finalize after completing: %v", err)
	}
}

func TestFinalizeChecksumMismatch(t *testing.T) {
	a := newAssembler(t)
	ctx := context.Background()
	for i, p := range parts {
		a.PutChunk(ctx, "ups_c", "u1", i, 3, p)
	}

	_, err := a.Finalize(ctx, "ups_c", "sha256:"+sha([]byte("something else")))
	var ce *ChecksumError
	if !errors.As(err, &ce) || !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("err = %v, want ChecksumError", err)
	}
	s, _ := a.Get(ctx, "ups_c")
	if s.State != Receiving {
		t.Fatalf("state = %s, want receiving", s.State)
	}
	leftovers, _ := filepath.Glob(filepath.Join(a.ArtifactsDir(), "ups_c", "*"))
	leftovers2, _ := filepath.Glob(filepath.Join(a.ArtifactsDir(), "ups_c", ".*"))
	if len(leftovers)+len(leftovers2) != 0 {
		t.Fatalf("partial artifact left: %v %v", leftovers, leftovers2)
	}
	if idx, _ := a.chunks.Indices("ups_c"); len(idx) != 3 {
		t.Fatalf("chunks lost after mismatch: %v", idx)
	}
}

func TestFinalizeBlake2b(t *testing.T) {
	a := newAssembler(t)
	ctx := context.Background()
	for i, p := range parts {
		a.PutChunk(ctx, "ups_b", "u1", i, 3, p)
	}
	sum := blake2b.Sum256(bytes.Join(parts, nil))
	s, err := a.Finalize(ctx, "ups_b", "blake2b:"+hex.EncodeToString(sum[:]))
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if s.ArtifactHash != "blake2b:"+hex.EncodeToString(sum[:]) {
		t.Fatalf("hash = %s", s.ArtifactHash)
	}
}

func TestParseChecksum(t *testing.T) {
	if _, err := ParseChecksum("md5:abcd"); err == nil {
		t.Fatal("md5 accepted")
	}
	if _, err := ParseChecksum("sha256:zz"); err == nil {
		t.Fatal("bad hex accepted")
	}
	c, err := ParseChecksum(sha([]byte("x")))
	if err != nil || c.Algo != "sha256" {
		t.Fatalf("bare hex = %+v, %v", c, err)
	}
}

func TestPurgeSkipsFinalizing(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	a := newAssembler(t, WithClock(clock))
	ctx := context.Background()

	a.PutChunk(ctx, "ups_old", "u1", 0, 2, []byte("a"))
	a.PutChunk(ctx, "ups_busy", "u1", 0, 1, []byte("b"))
	if err := a.setState(ctx, "ups_busy", Receiving, Finalizing); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()
	a.PutChunk(ctx, "ups_new", "u1", 0, 2, []byte("c"))

	purged, err := a.Purge(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(purged) != 1 || purged[0] != "ups_old" {
		t.Fatalf("purged = %v, want [ups_old]", purged)
	}
	if s, _ := a.Get(ctx, "ups_busy"); s.State != Finalizing {
		t.Fatalf("finalizing session state = %s", s.State)
	}
	if idx, _ := a.chunks.Indices("ups_busy"); len(idx) != 1 {
		t.Fatal("finalizing session lost its chunks")
	}
	if _, err := a.PutChunk(ctx, "ups_old", "u1", 1, 2, []byte("z")); !errors.Is(err, ErrClosed) {
		t.Fatalf("chunk to expired session err = %v, want ErrClosed", err)
	}
	if _, err := a.PutChunk(ctx, "ups_busy", "u1", 0, 1, []byte("z")); !errors.Is(err, ErrFinalizing) {
		t.Fatalf("chunk to finalizing session err = %v, want ErrFinalizing", err)
	}

	n, err := a.RecoverStale(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RecoverStale = %d, %v", n, err)
	}
}

func TestPutChunkTouchFailureIsLogged(t *testing.T) {
	var logs bytes.Buffer
	a := newAssembler(t, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	ctx := context.Background()
	_, err := a.db.ExecContext(ctx, `
		CREATE TRIGGER refuse_touch BEFORE UPDATE OF updated_at ON upload_sessions
		BEGIN SELECT RAISE(ABORT, 'touch refused'); END`)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := a.PutChunk(ctx, "ups_touch", "u1", 0, 2, []byte("a")); err != nil {
		t.Fatal(err)
	}
	r, err := a.PutChunk(ctx, "ups_touch", "u1", 1, 2, []byte("b"))
	if err != nil {
		t.Fatalf("PutChunk: %v", err)
	}
	if !r.Accepted || !r.Complete {
		t.Fatalf("result = %+v", r)
	}
	if !strings.Contains(logs.String(), "upload: touch session failed") || !strings.Contains(logs.String(), "touch refused") {
		t.Fatalf("missing warning in logs:\n%s", logs.String())
	}
}
