// Package backend is the REST client for the chat server's HTTP API: the
// canonical history query and the read-receipt endpoint. The server remains
// the system of record; this client never retries on its own.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pvidal/gochat/internal/store"
	"go.uber.org/zap"
)

// HistoryMessage is one canonical message as returned by /chat/history.
type HistoryMessage struct {
	ID         int64  `json:"id"`
	FromUserID int64  `json:"from_user_id"`
	ToUserID   int64  `json:"to_user_id"`
	Content    string `json:"content"`
	CreatedAt  int64  `json:"created_at"` // unix millis
}

type apiResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Client talks to the chat backend's REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// New creates a backend client. baseURL is the API root, e.g.
// https://chat.example.com/api.
func New(baseURL, token string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

// FetchHistory returns the server-side message history for a conversation.
func (c *Client) FetchHistory(ctx context.Context, targetID int64, kind store.Kind) ([]HistoryMessage, error) {
	q := url.Values{}
	q.Set("target_id", strconv.FormatInt(targetID, 10))
	q.Set("chat_type", strconv.Itoa(int(kind)))

	var resp apiResponse
	if err := c.get(ctx, "/chat/history?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, fmt.Errorf("history fetch rejected: code %d: %s", resp.Code, resp.Msg)
	}

	var msgs []HistoryMessage
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &msgs); err != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
	}
	return msgs, nil
}

// MarkRead reports a read receipt to the server. Fire-and-forget: a failure
// is logged and retried only on the next natural trigger.
func (c *Client) MarkRead(ctx context.Context, targetID int64, kind store.Kind) error {
	body := map[string]any{
		"target_id": targetID,
		"chat_type": int(kind),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/read", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("mark read: status %d", res.StatusCode)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out *apiResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.auth(req)

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("get %s: status %d", path, res.StatusCode)
	}
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) auth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

