// Package remote submits mutations and queries to the desk server over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/agenthands/verity/internal/core/common"
	"github.com/agenthands/verity/internal/core/model"
)

var errServer = errors.New("server error")

type BreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

type Config struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Breaker    BreakerConfig
	Logger     *zap.Logger
}

// Client talks to the desk. Each Submit issues at most one request and never
// retries; the breaker only short-circuits calls while the server is failing.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger

	mu    sync.RWMutex
	token string
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	bc := cfg.Breaker
	if bc.MaxRequests == 0 {
		bc.MaxRequests = 1
	}
	if bc.Interval == 0 {
		bc.Interval = 30 * time.Second
	}
	if bc.Timeout == 0 {
		bc.Timeout = 10 * time.Second
	}
	if bc.FailureRatio == 0 {
		bc.FailureRatio = 0.5
	}
	if bc.MinRequests == 0 {
		bc.MinRequests = 5
	}

	logger := cfg.Logger
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    cfg.HTTPClient,
		logger:  logger,
		token:   cfg.Token,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "desk",
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= bc.MinRequests && ratio >= bc.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return c
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Submit sends m and reports the outcome. It never returns an error: every
// failure, including transport errors, becomes a failed Outcome whose
// ErrorSource is the raw body or error text.
func (c *Client) Submit(ctx context.Context, m model.Mutation) model.Outcome {
	body, err := json.Marshal(m)
	if err != nil {
		return model.Failed(err.Error())
	}
	status, raw, err := c.do(ctx, http.MethodPost, "/mutations/"+url.PathEscape(string(m.MutationType)), body)
	if err != nil {
		c.logger.Debug("mutation transport failure",
			zap.String("mutation", string(m.MutationType)), zap.String("entity_id", m.EntityID), zap.Error(err))
		return model.Failed(err.Error())
	}
	if status < 200 || status > 299 {
		return model.Failed(string(raw))
	}

	var resp model.MutationResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &resp); err != nil {
			return model.Failed(string(raw))
		}
	}
	return model.Succeeded(resp.Fields)
}

// SubmitAsync runs Submit on its own goroutine. The returned channel yields
// exactly one outcome.
func (c *Client) SubmitAsync(ctx context.Context, m model.Mutation) <-chan model.Outcome {
	out := make(chan model.Outcome, 1)
	go func() {
		out <- c.Submit(ctx, m)
	}()
	return out
}

// FetchGraph loads the relationship graph of entityID.
func (c *Client) FetchGraph(ctx context.Context, entityID string, filters model.Filters) (*model.EntityGraph, error) {
	path := "/entities/" + url.PathEscape(entityID) + "/graph"
	if filters != "" {
		path += "?" + url.Values{"filters": {string(filters)}}.Encode()
	}
	var g model.EntityGraph
	if err := c.getJSON(ctx, path, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (c *Client) FetchEntity(ctx context.Context, entityID string) (*model.Entity, error) {
	var e model.Entity
	if err := c.getJSON(ctx, "/entities/"+url.PathEscape(entityID), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// CreateEntity creates e under parentID.
func (c *Client) CreateEntity(ctx context.Context, parentID string, e model.Entity) (*model.Entity, error) {
	body, err := json.Marshal(map[string]any{"parent_id": parentID, "type": e.Type, "fields": e.Fields})
	if err != nil {
		return nil, err
	}
	status, raw, err := c.do(ctx, http.MethodPost, "/entities", body)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", e.Type, err)
	}
	if status < 200 || status > 299 {
		return nil, &StatusError{Code: status, Message: common.ErrorMessage(string(raw))}
	}
	var created model.Entity
	if err := json.Unmarshal(raw, &created); err != nil {
		return nil, fmt.Errorf("failed to decode entity: %w", err)
	}
	return &created, nil
}

// CreateSession opens a session for userID and keeps its token for later
// calls.
func (c *Client) CreateSession(ctx context.Context, userID string) (*model.SessionInfo, error) {
	body, err := json.Marshal(map[string]string{"user_id": userID})
	if err != nil {
		return nil, err
	}
	status, raw, err := c.do(ctx, http.MethodPost, "/sessions", body)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return nil, &StatusError{Code: status, Message: common.ErrorMessage(string(raw))}
	}
	var info model.SessionInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	c.SetToken(info.Token)
	return &info, nil
}

// StatusError is a non-2xx answer to a query.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("desk returned %d: %s", e.Code, e.Message)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	status, raw, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return &StatusError{Code: status, Message: common.ErrorMessage(string(raw))}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

type reply struct {
	status int
	body   []byte
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	res, err := c.breaker.Execute(func() (any, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		c.mu.RLock()
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		c.mu.RUnlock()

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		r := reply{status: resp.StatusCode, body: raw}
		if resp.StatusCode >= 500 {
			// Counted against the breaker, still reported to the caller.
			return r, errServer
		}
		return r, nil
	})
	if r, ok := res.(reply); ok {
		return r.status, r.body, nil
	}
	return 0, nil, err
}
