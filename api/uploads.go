package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/scribe/horosafe"
	"github.com/hazyhaar/scribe/job"
	"github.com/hazyhaar/scribe/kit"
	"github.com/hazyhaar/scribe/orchestrator"
	"github.com/hazyhaar/scribe/upload"
)

// Chunk upload headers.
const (
	ChunkTotalHeader  = "X-Chunk-Total"
	ChunkSHA256Header = "X-Chunk-SHA256"
)

type openUploadRequest struct {
	Filename    string `json:"filename"`
	TotalChunks int    `json:"total_chunks"`
	Checksum    string `json:"checksum"`
}

type finalizeRequest struct {
	Checksum string     `json:"checksum"`
	Params   job.Params `json:"params"`
}

func (s *Server) requireUploads(w http.ResponseWriter, r *http.Request) bool {
	if s.uploads == nil {
		s.fail(w, r, orchestrator.ErrNoUploads)
		return false
	}
	return true
}

func (s *Server) openUpload(w http.ResponseWriter, r *http.Request) {
	if !s.requireUploads(w, r) {
		return
	}
	var req openUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, r, fmt.Errorf("%w: %v", upload.ErrInvalidChunk, err))
		return
	}
	sess, err := s.uploads.Open(r.Context(), kit.Owner(r.Context()), req.Filename, req.TotalChunks, req.Checksum)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) uploadStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireUploads(w, r) {
		return
	}
	p, err := s.uploads.Status(r.Context(), chi.URLParam(r, "session"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// putChunk stores one chunk. The session is created on its first chunk
// when the client did not open it explicitly.
func (s *Server) putChunk(w http.ResponseWriter, r *http.Request) {
	if !s.requireUploads(w, r) {
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: bad index", upload.ErrInvalidChunk))
		return
	}
	total, err := strconv.Atoi(r.Header.Get(ChunkTotalHeader))
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: %s header is required", upload.ErrInvalidChunk, ChunkTotalHeader))
		return
	}

	data, err := horosafe.LimitedReadAll(http.MaxBytesReader(w, r.Body, s.maxChunk+1), s.maxChunk)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if want := strings.ToLower(r.Header.Get(ChunkSHA256Header)); want != "" {
		sum := sha256.Sum256(data)
		if got := hex.EncodeToString(sum[:]); got != want {
			s.fail(w, r, fmt.Errorf("%w: chunk %d digest %s, header says %s", upload.ErrInvalidChunk, index, got, want))
			return
		}
	}

	res, err := s.uploads.PutChunk(r.Context(), chi.URLParam(r, "session"), kit.Owner(r.Context()), index, total, data)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) submitUpload(w http.ResponseWriter, r *http.Request) {
	if !s.requireUploads(w, r) {
		return
	}
	var req finalizeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.fail(w, r, fmt.Errorf("%w: %v", orchestrator.ErrInvalid, err))
			return
		}
	}
	snap, err := s.jobs.SubmitUpload(r.Context(), chi.URLParam(r, "session"), req.Checksum, req.Params, kit.Owner(r.Context()))
	s.writeSubmitted(w, r, snap, err)
}
