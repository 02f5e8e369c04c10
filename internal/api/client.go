// Package api is the JSON/HTTP client for the marketplace backend.
package api

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
	"time"

	"go.uber.org/zap"

	"github.com/and161185/techstore/internal/errs"
	"github.com/and161185/techstore/internal/model"
)

// TokenSource supplies the bearer credential. An empty token means anonymous.
type TokenSource interface {
	Token() (string, error)
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api: %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("api: status %d", e.Code)
}

// Unwrap maps auth and lookup failures onto errs sentinels.
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errs.ErrUnauthorized
	case http.StatusNotFound:
		return errs.ErrNotFound
	}
	return nil
}

// Client talks to the REST API.
type Client struct {
	base   *url.URL
	http   *http.Client
	tokens TokenSource
	log    *zap.Logger
}

// New builds a client for baseURL. tokens may be nil for anonymous use.
func New(baseURL string, timeout time.Duration, tokens TokenSource, log *zap.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("api url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: api url %q", errs.ErrInvalidInput, baseURL)
	}
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{base: u, http: &http.Client{Timeout: timeout}, tokens: tokens, log: log}, nil
}

// SetTokenSource replaces the credential provider.
func (c *Client) SetTokenSource(ts TokenSource) { c.tokens = ts }

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil {
			return err
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.log.Debug("api call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb)
		msg := eb.Error
		if msg == "" {
			msg = eb.Message
		}
		return &StatusError{Code: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// LoginResult is the POST /auth/login response.
type LoginResult struct {
	Token string     `json:"token"`
	User  model.User `json:"user"`
}

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, name, password string) (LoginResult, error) {
	var res LoginResult
	in := map[string]string{"name": name, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/login", nil, in, &res); err != nil {
		return LoginResult{}, err
	}
	if res.Token == "" {
		return LoginResult{}, fmt.Errorf("%w: login returned no token", errs.ErrUnauthorized)
	}
	return res, nil
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (model.User, error) {
	var u model.User
	err := c.do(ctx, http.MethodGet, "/user/me", nil, nil, &u)
	return u, err
}

// User returns a public profile.
func (c *Client) User(ctx context.Context, id string) (model.User, error) {
	var u model.User
	err := c.do(ctx, http.MethodGet, "/user/"+url.PathEscape(id), nil, nil, &u)
	return u, err
}

// Product returns one catalog record.
func (c *Client) Product(ctx context.Context, id string) (model.CatalogProduct, error) {
	var p model.CatalogProduct
	err := c.do(ctx, http.MethodGet, "/products/"+url.PathEscape(id), nil, nil, &p)
	return p, err
}

// Chats lists the caller's conversations.
func (c *Client) Chats(ctx context.Context) ([]model.ChatSummary, error) {
	var res struct {
		Chats []model.ChatSummary `json:"chats"`
	}
	err := c.do(ctx, http.MethodGet, "/chat", nil, nil, &res)
	return res.Chats, err
}

// ChatInfo returns conversation metadata.
func (c *Client) ChatInfo(ctx context.Context, chatID string) (model.ChatInfo, error) {
	var res struct {
		ChatInfo *model.ChatInfo `json:"chatInfo"`
	}
	if err := c.do(ctx, http.MethodGet, "/chat/"+url.PathEscape(chatID), nil, nil, &res); err != nil {
		return model.ChatInfo{}, err
	}
	if res.ChatInfo == nil {
		return model.ChatInfo{}, fmt.Errorf("chat %s: %w", chatID, errs.ErrNotFound)
	}
	return *res.ChatInfo, nil
}

// ChatMessages returns the persisted history, oldest first.
func (c *Client) ChatMessages(ctx context.Context, chatID string) ([]model.ChatMessage, error) {
	var res struct {
		Messages []model.ChatMessage `json:"messages"`
	}
	err := c.do(ctx, http.MethodGet, "/chat/"+url.PathEscape(chatID)+"/messages", nil, nil, &res)
	return res.Messages, err
}

// CheckChat reports whether a conversation about productID with sellerID exists.
func (c *Client) CheckChat(ctx context.Context, productID, sellerID string) (string, bool, error) {
	var res struct {
		Exists bool   `json:"exists"`
		ChatID string `json:"chatId"`
	}
	q := url.Values{"productId": {productID}, "sellerId": {sellerID}}
	if err := c.do(ctx, http.MethodGet, "/chat/check", q, nil, &res); err != nil {
		return "", false, err
	}
	return res.ChatID, res.Exists && res.ChatID != "", nil
}

// InitChat creates a conversation seeded with initialMessage and returns its id.
func (c *Client) InitChat(ctx context.Context, productID, sellerID, initialMessage string) (string, error) {
	in := map[string]string{"productId": productID, "sellerId": sellerID, "initialMessage": initialMessage}
	var res struct {
		Chat struct {
			ID string `json:"_id"`
		} `json:"chat"`
	}
	if err := c.do(ctx, http.MethodPost, "/chat/init", nil, in, &res); err != nil {
		return "", err
	}
	if res.Chat.ID == "" {
		return "", errors.New("chat init: empty chat id")
	}
	return res.Chat.ID, nil
}
