// Package syncer moves locations and session records between the local
// database and the remote store. Conflict resolution is last-writer-wins on
// updated_at; soft deletes travel as ordinary row updates.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/apperror"
	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/location"
	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/session"

	"go.uber.org/zap"
)

// RowRejection is a per-row remote refusal inside an otherwise accepted batch.
type RowRejection struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type RemoteStore interface {
	PushLocations(ctx context.Context, rows []location.Location) ([]RowRejection, error)
	PushSessions(ctx context.Context, rows []session.Session) ([]RowRejection, error)
	PullLocations(ctx context.Context, since time.Time) ([]location.Location, error)
	PullSessions(ctx context.Context, since time.Time) ([]session.Session, error)
}

// HTTPStore talks to the remote CRUD surface. Requests retry a bounded number
// of times with exponential backoff; a 4xx is final, a 5xx or transport error
// is not.
type HTTPStore struct {
	baseURL     string
	apiKey      string
	client      *http.Client
	log         *zap.Logger
	maxRetries  int
	backoffBase time.Duration
}

func NewHTTPStore(baseURL, apiKey string, maxRetries int, backoffBase time.Duration, log *zap.Logger) *HTTPStore {
	if log == nil {
		log = zap.NewNop()
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if backoffBase <= 0 {
		backoffBase = 500 * time.Millisecond
	}
	return &HTTPStore{
		baseURL:     baseURL,
		apiKey:      apiKey,
		client:      &http.Client{Timeout: 10 * time.Second},
		log:         log,
		maxRetries:  maxRetries,
		backoffBase: backoffBase,
	}
}

type pushResponse struct {
	Rejected []RowRejection `json:"rejected"`
}

func (h *HTTPStore) PushLocations(ctx context.Context, rows []location.Location) ([]RowRejection, error) {
	return h.push(ctx, "/locations/batch", rows)
}

func (h *HTTPStore) PushSessions(ctx context.Context, rows []session.Session) ([]RowRejection, error) {
	return h.push(ctx, "/records/batch", rows)
}

func (h *HTTPStore) PullLocations(ctx context.Context, since time.Time) ([]location.Location, error) {
	var out []location.Location
	if err := h.get(ctx, "/locations", since, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *HTTPStore) PullSessions(ctx context.Context, since time.Time) ([]session.Session, error) {
	var out []session.Session
	if err := h.get(ctx, "/records", since, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *HTTPStore) push(ctx context.Context, path string, rows any) ([]RowRejection, error) {
	payload, err := json.Marshal(rows)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindSync, "marshal batch", err)
	}

	body, err := h.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return nil, err
	}

	var resp pushResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, apperror.Wrap(apperror.KindSync, "decode push response", err)
		}
	}
	return resp.Rejected, nil
}

func (h *HTTPStore) get(ctx context.Context, path string, since time.Time, out any) error {
	q := path
	if !since.IsZero() {
		q += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}
	body, err := h.do(ctx, http.MethodGet, q, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperror.Wrap(apperror.KindSync, "decode pull response", err)
	}
	return nil
}

func (h *HTTPStore) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= h.maxRetries; attempt++ {
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reqBody)
		if err != nil {
			return nil, apperror.Wrap(apperror.KindSync, "build request", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if h.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+h.apiKey)
		}

		resp, err := h.client.Do(req)
		if err == nil {
			body, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			switch {
			case readErr != nil:
				lastErr = readErr
			case resp.StatusCode >= 200 && resp.StatusCode < 300:
				return body, nil
			case resp.StatusCode >= 400 && resp.StatusCode < 500:
				return nil, apperror.New(apperror.KindSync, "remote rejected request: "+strconv.Itoa(resp.StatusCode))
			default:
				lastErr = apperror.New(apperror.KindNetwork, "remote status "+strconv.Itoa(resp.StatusCode))
			}
		} else {
			lastErr = err
		}

		h.log.Warn("remote request failed",
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))

		if attempt == h.maxRetries {
			break
		}
		backoff := h.backoffBase << (attempt - 1)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, apperror.Wrap(apperror.KindNetwork, "remote unreachable", lastErr)
}
