// Package client talks to the chat API: an HTTP implementation of the
// message store and a websocket implementation of the realtime transport.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/djamkenny/hairbookery-sub000/internal/domain"
)

// Client is a REST client bound to one bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// WithToken returns a copy of c that authenticates as token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

func (c *Client) Token() string { return c.token }

// Session is the result of register and login.
type Session struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	User        *domain.User `json:"user"`
}

func (c *Client) Register(ctx context.Context, name, email, password string) (*Session, error) {
	var out Session
	err := c.do(ctx, "register", http.MethodPost, "/api/auth/register", map[string]string{
		"name": name, "email": email, "password": password,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Login(ctx context.Context, email, password string) (*Session, error) {
	var out Session
	err := c.do(ctx, "login", http.MethodPost, "/api/auth/login", map[string]string{
		"email": email, "password": password,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Me(ctx context.Context) (*domain.User, error) {
	var out domain.User
	if err := c.do(ctx, "me", http.MethodGet, "/api/auth/me", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Insert stores a message. SenderID and SenderRole are taken from the token
// by the server.
func (c *Client) Insert(ctx context.Context, m domain.NewMessage) (*domain.Message, error) {
	var out domain.Message
	err := c.do(ctx, "insert", http.MethodPost, conversationPath(m.OwnerID), map[string]string{
		"client_id": m.ClientID,
		"body":      m.Body,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Query returns the limit most recent messages of a conversation, oldest first.
func (c *Client) Query(ctx context.Context, ownerID string, limit int) ([]*domain.Message, error) {
	var out []*domain.Message
	path := conversationPath(ownerID) + "?limit=" + strconv.Itoa(limit)
	if err := c.do(ctx, "query", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DeleteAll(ctx context.Context, ownerID string) error {
	return c.do(ctx, "delete", http.MethodDelete, conversationPath(ownerID), nil, nil)
}

// QueryAll returns the most recent messages across every conversation.
func (c *Client) QueryAll(ctx context.Context, limit int) ([]*domain.Message, error) {
	var out []*domain.Message
	if err := c.do(ctx, "query all", http.MethodGet, "/api/messages?limit="+strconv.Itoa(limit), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Summaries returns one entry per conversation, most recent activity first.
// readMarks maps owners to the last seq this operator has read.
func (c *Client) Summaries(ctx context.Context, readMarks map[string]int64) ([]domain.ConversationSummary, error) {
	var out []domain.ConversationSummary
	in := map[string]map[string]int64{"read_marks": readMarks}
	if err := c.do(ctx, "summaries", http.MethodPost, "/api/inbox/summaries", in, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Profiles(ctx context.Context, ids []string) ([]domain.Profile, error) {
	var out []domain.Profile
	path := "/api/profiles?ids=" + url.QueryEscape(strings.Join(ids, ","))
	if err := c.do(ctx, "profiles", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Edit(ctx context.Context, messageID, body string) (*domain.Message, error) {
	var out domain.Message
	path := "/api/messages/" + url.PathEscape(messageID)
	if err := c.do(ctx, "edit", http.MethodPatch, path, map[string]string{"body": body}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func conversationPath(ownerID string) string {
	return "/api/conversations/" + url.PathEscape(ownerID) + "/messages"
}

// do performs one request. Every failure comes back as a *domain.StoreError
// wrapping the sentinel matching the response status.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return &domain.StoreError{Op: op, Err: err}
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &domain.StoreError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &domain.StoreError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&apiErr)
		return &domain.StoreError{Op: op, Err: statusError(resp.StatusCode, apiErr.Error)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &domain.StoreError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func statusError(status int, msg string) error {
	var sentinel error
	switch status {
	case http.StatusBadRequest:
		sentinel = domain.ErrInvalidInput
	case http.StatusUnauthorized:
		sentinel = domain.ErrUnauthorized
	case http.StatusForbidden:
		sentinel = domain.ErrForbidden
	case http.StatusNotFound:
		sentinel = domain.ErrNotFound
	case http.StatusConflict:
		sentinel = domain.ErrConflict
	default:
		sentinel = domain.ErrInternal
	}
	if msg == "" {
		return fmt.Errorf("status %d: %w", status, sentinel)
	}
	return fmt.Errorf("status %d: %s: %w", status, msg, sentinel)
}
