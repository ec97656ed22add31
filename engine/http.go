package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hazyhaar/scribe/horosafe"
)

// HTTP posts the artifact as multipart/form-data to a transcription
// service and decodes a JSON Result.
//
// Form fields: file, model, language. Transport errors and 5xx responses
// are retried with exponential backoff; 4xx responses are final.
type HTTP struct {
	URL        string
	Token      string
	Client     *http.Client
	MaxRetries int
	Backoff    time.Duration
	Breaker    *CircuitBreaker
}

// NewHTTP returns an HTTP engine with 3 retries and a default breaker.
func NewHTTP(url, token string) *HTTP {
	return &HTTP{
		URL:        url,
		Token:      token,
		Client:     &http.Client{},
		MaxRetries: 3,
		Backoff:    500 * time.Millisecond,
		Breaker:    NewCircuitBreaker(),
	}
}

// Transcripts of long recordings exceed horosafe.MaxResponseBody.
const maxResultBody = 32 << 20

// statusError is a non-2xx answer; only 5xx is retryable.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string { return fmt.Sprintf("status %d: %s", e.Code, e.Body) }

func (h *HTTP) Transcribe(ctx context.Context, audioPath string, p Params, logf LogFunc) (*Result, error) {
	logf = logOrNop(logf)
	var res *Result
	err := withRetry(ctx, h.MaxRetries, h.Backoff, h.Breaker, func(attempt int) error {
		if attempt > 0 {
			logf(fmt.Sprintf("retrying transcription request (attempt %d)", attempt+1))
		}
		r, err := h.post(ctx, audioPath, p)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Engine: h.URL, Msg: err.Error()}
	}
	logf(fmt.Sprintf("transcribed %d segments", len(res.Segments)))
	return res, nil
}

func (h *HTTP) post(ctx context.Context, audioPath string, p Params) (*Result, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, permanent(fmt.Errorf("open artifact: %w", err))
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if p.Model != "" {
		if err := w.WriteField("model", p.Model); err != nil {
			return nil, permanent(err)
		}
	}
	if p.Language != "" {
		if err := w.WriteField("language", p.Language); err != nil {
			return nil, permanent(err)
		}
	}
	part, err := w.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, permanent(err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, permanent(fmt.Errorf("read artifact: %w", err))
	}
	if err := w.Close(); err != nil {
		return nil, permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, &buf)
	if err != nil {
		return nil, permanent(err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}

	var out Result
	if err := h.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (h *HTTP) do(req *http.Request, out any) error {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := horosafe.LimitedReadAll(resp.Body, maxResultBody)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		se := &statusError{Code: resp.StatusCode, Body: truncate(string(body), 200)}
		if resp.StatusCode < 500 {
			return permanent(se)
		}
		return se
	}
	if err := json.Unmarshal(body, out); err != nil {
		return permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// HTTPEnricher posts the transcript text as JSON {"text": ...} and stores
// the returned {"summary": ...} on the Result.
type HTTPEnricher struct {
	URL    string
	Token  string
	Client *http.Client
}

func NewHTTPEnricher(url, token string) *HTTPEnricher {
	return &HTTPEnricher{URL: url, Token: token, Client: &http.Client{}}
}

func (e *HTTPEnricher) Enrich(ctx context.Context, r *Result, logf LogFunc) error {
	logf = logOrNop(logf)
	payload, err := json.Marshal(map[string]any{"text": r.Text, "language": r.Language})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.Token != "" {
		req.Header.Set("Authorization", "Bearer "+e.Token)
	}
	var out struct {
		Summary string `json:"summary"`
	}
	h := &HTTP{Client: e.Client}
	if err := h.do(req, &out); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &Error{Engine: e.URL, Msg: unwrapPermanent(err).Error()}
	}
	r.Summary = out.Summary
	logf("enrichment complete")
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// permanentError marks errors that must not be retried.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return &permanentError{err: err} }

func unwrapPermanent(err error) error {
	var pe *permanentError
	if errors.As(err, &pe) {
		return pe.err
	}
	return err
}

// withRetry calls fn up to maxRetries+1 times with exponential backoff
// (base, 2*base, 4*base...). Permanent errors, an open breaker and a done
// context stop the loop.
func withRetry(ctx context.Context, maxRetries int, base time.Duration, cb *CircuitBreaker, fn func(attempt int) error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if cb != nil && !cb.Allow() {
			if lastErr != nil {
				return fmt.Errorf("%w (last error: %v)", ErrCircuitOpen, lastErr)
			}
			return ErrCircuitOpen
		}
		err := fn(attempt)
		if err == nil {
			if cb != nil {
				cb.RecordSuccess()
			}
			return nil
		}
		lastErr = unwrapPermanent(err)
		var pe *permanentError
		if errors.As(err, &pe) {
			// a 4xx or a local error says nothing about the service health
			return lastErr
		}
		if cb != nil {
			cb.RecordFailure()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < maxRetries {
			t := time.NewTimer(base * time.Duration(1<<attempt))
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
	return lastErr
}
