// Package api talks to the finance backend's REST endpoints that start
// sync jobs and act on individual wallets and bank accounts.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	syncerr "github.com/alexjbarnes/fin-sync/internal/errors"
	"github.com/alexjbarnes/fin-sync/internal/models"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// defaultTimeout bounds every request when the config leaves it unset.
	defaultTimeout = 15 * time.Second

	// maxErrorBody caps how much of an error response ends up in messages.
	maxErrorBody = 256
)

// Config holds connection settings for the backend.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client calls the backend sync endpoints.
type Client struct {
	http *resty.Client
}

// NewClient builds a client with bearer auth and a request timeout.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	cli := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")

	if cfg.Token != "" {
		cli.SetAuthToken(cfg.Token)
	}

	return &Client{http: cli}
}

type jobsResponse struct {
	Jobs []models.JobHandle `json:"jobs"`
}

type jobResponse struct {
	JobID string `json:"jobId"`
}

// collectionPath maps an entity kind onto its REST collection.
func collectionPath(kind models.EntityKind) (string, error) {
	switch kind {
	case models.KindWallet:
		return "/api/wallets", nil
	case models.KindBankAccount:
		return "/api/bank-accounts", nil
	}

	return "", fmt.Errorf("%w: unknown entity kind %q", syncerr.ErrAPIRequest, kind)
}

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.http.R().
		SetContext(ctx).
		SetHeader("X-Request-ID", uuid.NewString())
}

// SeedWallets asks the server to start syncing every wallet.
func (c *Client) SeedWallets(ctx context.Context) ([]models.JobHandle, error) {
	return c.seed(ctx, models.KindWallet)
}

// SeedBankAccounts asks the server to start syncing every bank account.
func (c *Client) SeedBankAccounts(ctx context.Context) ([]models.JobHandle, error) {
	return c.seed(ctx, models.KindBankAccount)
}

func (c *Client) seed(ctx context.Context, kind models.EntityKind) ([]models.JobHandle, error) {
	base, err := collectionPath(kind)
	if err != nil {
		return nil, err
	}

	endpoint := base + "/sync"

	var body jobsResponse

	// The seed response always carries a body, so decode it as JSON even
	// when the server omits the content type.
	resp, err := c.request(ctx).
		SetResult(&body).
		ForceContentType("application/json").
		Post(endpoint)
	if err != nil {
		if !gotResponse(resp) {
			return nil, &TransientError{Err: fmt.Errorf("sending request to %s: %w", endpoint, err)}
		}

		if herr := mapHTTPError(endpoint, resp); herr != nil {
			return nil, herr
		}

		return nil, fmt.Errorf("%w: decoding response from %s: %v", syncerr.ErrAPIResponse, endpoint, err)
	}

	if err := mapHTTPError(endpoint, resp); err != nil {
		return nil, err
	}

	jobs := make([]models.JobHandle, 0, len(body.Jobs))
	for _, j := range body.Jobs {
		if j.EntityID == "" {
			continue
		}

		jobs = append(jobs, j)
	}

	return jobs, nil
}

// SyncEntity starts a sync for a single entity. The server accepts the
// job immediately; progress arrives over the event stream.
func (c *Client) SyncEntity(ctx context.Context, kind models.EntityKind, entityID string) (models.JobHandle, error) {
	endpoint, err := entityPath(kind, entityID, "sync")
	if err != nil {
		return models.JobHandle{}, err
	}

	var body jobResponse

	// Only JSON responses are decoded; an accepted job may come back with
	// no body at all.
	resp, err := c.request(ctx).
		SetResult(&body).
		Post(endpoint)
	if err != nil {
		if !gotResponse(resp) {
			return models.JobHandle{}, &TransientError{Err: fmt.Errorf("sending request to %s: %w", endpoint, err)}
		}

		if herr := mapHTTPError(endpoint, resp); herr != nil {
			return models.JobHandle{}, herr
		}

		if len(resp.Body()) > 0 {
			return models.JobHandle{}, fmt.Errorf("%w: decoding response from %s: %v", syncerr.ErrAPIResponse, endpoint, err)
		}
	}

	if err := mapHTTPError(endpoint, resp); err != nil {
		return models.JobHandle{}, err
	}

	return models.JobHandle{EntityID: entityID, JobID: body.JobID}, nil
}

// gotResponse reports whether a failed request still reached the server,
// in which case the error came from decoding the body.
func gotResponse(resp *resty.Response) bool {
	return resp != nil && resp.RawResponse != nil
}

// Disconnect unlinks an entity from its upstream provider.
func (c *Client) Disconnect(ctx context.Context, kind models.EntityKind, entityID string) error {
	endpoint, err := entityPath(kind, entityID, "disconnect")
	if err != nil {
		return err
	}

	resp, err := c.request(ctx).Post(endpoint)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("sending request to %s: %w", endpoint, err)}
	}

	return mapHTTPError(endpoint, resp)
}

// Delete removes an entity.
func (c *Client) Delete(ctx context.Context, kind models.EntityKind, entityID string) error {
	endpoint, err := entityPath(kind, entityID, "")
	if err != nil {
		return err
	}

	resp, err := c.request(ctx).Delete(endpoint)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("sending request to %s: %w", endpoint, err)}
	}

	return mapHTTPError(endpoint, resp)
}

func entityPath(kind models.EntityKind, entityID, action string) (string, error) {
	if entityID == "" {
		return "", fmt.Errorf("%w: empty entity id", syncerr.ErrAPIRequest)
	}

	base, err := collectionPath(kind)
	if err != nil {
		return "", err
	}

	p := base + "/" + url.PathEscape(entityID)
	if action != "" {
		p += "/" + action
	}

	return p, nil
}

// mapHTTPError turns a non-2xx response into a sentinel-wrapped error.
// Rate limiting and server errors are transient.
func mapHTTPError(endpoint string, resp *resty.Response) error {
	code := resp.StatusCode()
	if code >= http.StatusOK && code < http.StatusMultipleChoices {
		return nil
	}

	body := strings.TrimSpace(string(resp.Body()))
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}

	if body == "" {
		body = http.StatusText(code)
	}

	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: %s (%d): %s", syncerr.ErrUnauthorized, endpoint, code, body)
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %s: %s", syncerr.ErrNotFound, endpoint, body)
	case isTransientStatus(code):
		return &TransientError{Err: fmt.Errorf("%w: %s returned status %d: %s", syncerr.ErrAPIRequest, endpoint, code, body)}
	default:
		return fmt.Errorf("%w: %s returned status %d: %s", syncerr.ErrAPIRequest, endpoint, code, body)
	}
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}
