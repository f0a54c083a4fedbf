package core

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"firmdesk/internal/kv"
	"firmdesk/internal/types"
)

// Idempotency record lifecycle states.
const (
	idempotencyStatusProcessing = "processing"
	idempotencyStatusCompleted  = "completed"
	idempotencyStatusFailed     = "failed"
)

// errCodeIdempotencyInProgress is returned when a request with the same
// idempotency key is already being processed.
const errCodeIdempotencyInProgress types.ErrorCode = "conflict_idempotency_in_progress"

// idempotencyRecord is the value stored per idempotency key. RequestHash
// binds the key to the original payload so a reused key with a different
// body is rejected instead of silently replaying an unrelated response.
type idempotencyRecord struct {
	Status       string `json:"status"`
	RequestHash  string `json:"request_hash"`
	ResponseCode int    `json:"response_code,omitempty"`
	ResponseBody []byte `json:"response_body,omitempty"`
}

// defaultIdempotencyTTL bounds replay when the server has no explicit TTL
// configured.
const defaultIdempotencyTTL = 24 * time.Hour

// responseBuffer wraps an http.ResponseWriter to buffer the response status
// code, headers, and body during handler execution, so the idempotency
// middleware can store the response before sending it to the client.
type responseBuffer struct {
	underlying http.ResponseWriter
	statusCode int
	body       bytes.Buffer
	headers    http.Header
	written    bool
}

func newResponseBuffer(w http.ResponseWriter) *responseBuffer {
	return &responseBuffer{
		underlying: w,
		statusCode: http.StatusOK,
		headers:    make(http.Header),
	}
}

func (rb *responseBuffer) Header() http.Header {
	return rb.headers
}

func (rb *responseBuffer) WriteHeader(code int) {
	if !rb.written {
		rb.statusCode = code
		rb.written = true
	}
}

func (rb *responseBuffer) Write(b []byte) (int, error) {
	if !rb.written {
		rb.statusCode = http.StatusOK
		rb.written = true
	}
	return rb.body.Write(b)
}

// Flush writes the buffered response (status code, headers, and body) to the
// underlying ResponseWriter. Called exactly once after the handler chain
// completes.
func (rb *responseBuffer) Flush() {
	for key, values := range rb.headers {
		for _, v := range values {
			rb.underlying.Header().Add(key, v)
		}
	}
	rb.underlying.WriteHeader(rb.statusCode)
	_, _ = rb.underlying.Write(rb.body.Bytes())
}

// Unwrap returns the underlying ResponseWriter, enabling
// http.ResponseController and other standard library helpers to access it.
func (rb *responseBuffer) Unwrap() http.ResponseWriter {
	return rb.underlying
}

// IdempotencyMiddleware ensures POST requests with an "Idempotency-Key"
// header are processed exactly once per firm. Retried requests with the same
// key and payload replay the stored response; the same key with a different
// payload is rejected with conflict_idempotency_mismatch.
//
// Flow:
//  1. Extract the Idempotency-Key header and the firm ID from context.
//  2. Claim the key with SetNX; a fresh claim runs the handler with a
//     buffered writer and stores the response on completion.
//  3. A lost claim reads the stored record:
//     - payload hash differs: 409 conflict_idempotency_mismatch.
//     - still processing: 409 conflict_idempotency_in_progress.
//     - completed: replay the stored response with X-Idempotent-Replayed.
//     - failed (5xx or 409 conflict): reclaim and retry.
//
// Requests without the header, non-POST requests, and servers without an
// IdempotencyStore pass through untouched. Store errors fail open so a Redis
// outage cannot block all purchases.
func (s *Server) IdempotencyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.IdempotencyStore == nil || r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}

		idempotencyKey := r.Header.Get("Idempotency-Key")
		if idempotencyKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		// Scope keys per firm so tenants cannot collide with or probe each
		// other's keys. Unauthenticated requests are rejected downstream.
		firmID, ok := types.GetFirmID(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		requestHash, err := hashRequest(r)
		if err != nil {
			s.Logger.Error("failed to hash request body for idempotency",
				slog.String("key", idempotencyKey),
				slog.String("error", err.Error()),
			)
			next.ServeHTTP(w, r)
			return
		}

		storeKey := "idem:" + firmID + ":" + idempotencyKey
		ctx := r.Context()
		ttl := s.IdempotencyTTL
		if ttl <= 0 {
			ttl = defaultIdempotencyTTL
		}

		claim, err := json.Marshal(idempotencyRecord{
			Status:      idempotencyStatusProcessing,
			RequestHash: requestHash,
		})
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		claimed, err := s.IdempotencyStore.SetNX(ctx, storeKey, claim, ttl)
		if err != nil {
			s.Logger.Error("idempotency store claim error",
				slog.String("key", idempotencyKey),
				slog.String("firm_id", firmID),
				slog.String("error", err.Error()),
			)
			next.ServeHTTP(w, r)
			return
		}

		if !claimed {
			s.replayOrReject(w, r, storeKey, requestHash, claim, ttl, next)
			return
		}

		s.runAndStore(w, r, storeKey, requestHash, ttl, next)
	})
}

// runAndStore executes the handler chain with a buffered writer and persists
// the outcome under the claimed key.
func (s *Server) runAndStore(
	w http.ResponseWriter,
	r *http.Request,
	storeKey, requestHash string,
	ttl time.Duration,
	next http.Handler,
) {
	buffer := newResponseBuffer(w)
	next.ServeHTTP(buffer, r)

	record := idempotencyRecord{
		RequestHash:  requestHash,
		ResponseCode: buffer.statusCode,
	}
	if buffer.statusCode < 500 && buffer.statusCode != http.StatusConflict {
		// Client errors are stored too: the same request with the same key
		// should return the same validation error.
		record.Status = idempotencyStatusCompleted
		record.ResponseBody = buffer.body.Bytes()
	} else {
		// Server errors and conflicts are transient: a retry with the same
		// key must re-run the handler against fresh state, not replay the
		// stale outcome.
		record.Status = idempotencyStatusFailed
	}

	if encoded, err := json.Marshal(record); err == nil {
		if err := s.IdempotencyStore.Set(r.Context(), storeKey, encoded, ttl); err != nil {
			s.Logger.Error("idempotency store save error",
				slog.String("key", storeKey),
				slog.String("error", err.Error()),
			)
		}
	}

	buffer.Flush()
}

// replayOrReject handles a request whose idempotency key already exists.
func (s *Server) replayOrReject(
	w http.ResponseWriter,
	r *http.Request,
	storeKey, requestHash string,
	claim []byte,
	ttl time.Duration,
	next http.Handler,
) {
	ctx := r.Context()

	stored, err := s.IdempotencyStore.Get(ctx, storeKey)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			// The record expired between SetNX and Get; process as new.
			next.ServeHTTP(w, r)
			return
		}
		s.Logger.Error("idempotency store get error",
			slog.String("key", storeKey),
			slog.String("error", err.Error()),
		)
		next.ServeHTTP(w, r)
		return
	}

	var record idempotencyRecord
	if err := json.Unmarshal(stored, &record); err != nil {
		s.Logger.Error("undecodable idempotency record",
			slog.String("key", storeKey),
			slog.String("error", err.Error()),
		)
		next.ServeHTTP(w, r)
		return
	}

	if record.RequestHash != requestHash {
		Error(w, r, types.NewAppError(
			types.ErrCodeConflictIdempotency,
			"idempotency key was already used with a different request payload",
			nil,
		))
		return
	}

	switch record.Status {
	case idempotencyStatusCompleted:
		s.Logger.Info("idempotency key hit, returning stored response",
			slog.String("key", storeKey),
			slog.Int("stored_status", record.ResponseCode),
		)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Idempotent-Replayed", "true")
		w.WriteHeader(record.ResponseCode)
		_, _ = w.Write(record.ResponseBody)

	case idempotencyStatusProcessing:
		Error(w, r, types.NewAppError(
			errCodeIdempotencyInProgress,
			"a request with this idempotency key is currently being processed",
			nil,
		))

	case idempotencyStatusFailed:
		// Failed requests can be retried. Reclaim the key and process as new.
		if err := s.IdempotencyStore.Set(ctx, storeKey, claim, ttl); err != nil {
			s.Logger.Error("idempotency store reclaim error",
				slog.String("key", storeKey),
				slog.String("error", err.Error()),
			)
		}
		s.runAndStore(w, r, storeKey, requestHash, ttl, next)

	default:
		next.ServeHTTP(w, r)
	}
}

// hashRequest computes a digest over the method, path, and body of the
// request, restoring the body for downstream handlers.
func hashRequest(r *http.Request) (string, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
	if err != nil {
		return "", err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte{0})
	h.Write([]byte(r.URL.Path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}
