package relay

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

	"github.com/gorilla/websocket"

	"github.com/petervdpas/peerchat/internal/proto"
	"github.com/petervdpas/peerchat/internal/storage"
	"github.com/petervdpas/peerchat/internal/util"
)

// ErrUnavailable is returned when the relay answers 501 for an optional
// feature.
var ErrUnavailable = errors.New("relay: not supported")

type Client struct {
	BaseURL string
	HTTP    *http.Client
	// UserID is sent as X-User-ID on contact and notification calls.
	UserID  string
}

func NewClient(baseURL, userID string) *Client {
	baseURL = strings.TrimSpace(baseURL)
	baseURL = util.NormalizeURL(baseURL)
	return &Client{
		BaseURL: baseURL,
		UserID:  userID,
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// do sends one JSON request and decodes a 2xx body into out (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	u := c.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("content-type", "application/json")
	}
	if c.UserID != "" {
		req.Header.Set(UserHeader, c.UserID)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotImplemented {
		return ErrUnavailable
	}
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ── signals ─────────────────────────────────────────────────────────────────

func (c *Client) SendSignal(ctx context.Context, sig proto.Signal) error {
	return c.do(ctx, http.MethodPost, "/signal", nil, map[string]any{
		"type": sig.Type,
		"data": sig.Data,
		"from": sig.From,
		"to":   sig.To,
	}, nil)
}

// PollSignals drains userID's mailbox.
func (c *Client) PollSignals(ctx context.Context, userID string) ([]proto.Signal, error) {
	var out struct {
		Signals []proto.Signal `json:"signals"`
	}
	err := c.do(ctx, http.MethodGet, "/signal", url.Values{"userId": {userID}}, nil, &out)
	return out.Signals, err
}

// StreamSignals holds a WebSocket open to /signal/ws and hands every pushed
// signal to fn. It returns when ctx ends or the connection drops.
func (c *Client) StreamSignals(ctx context.Context, userID string, fn func(proto.Signal)) error {
	u, err := url.Parse(c.BaseURL + "/signal/ws")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.RawQuery = url.Values{"userId": {userID}}.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial signal stream: %w", err)
	}
	defer conn.Close()

	// Unblock the reader when ctx ends.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	for {
		var sig proto.Signal
		if err := conn.ReadJSON(&sig); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		fn(sig)
	}
}

// ── offline messages ────────────────────────────────────────────────────────

func (c *Client) StoreMessage(ctx context.Context, m proto.QueuedMessage) (string, error) {
	var out struct {
		Stored    bool   `json:"stored"`
		MessageID string `json:"messageId"`
	}
	err := c.do(ctx, http.MethodPost, "/messages", nil, map[string]any{
		"id":        m.ID,
		"text":      m.Text,
		"from":      m.From,
		"to":        m.To,
		"timestamp": m.Timestamp,
	}, &out)
	if err != nil {
		return "", err
	}
	if !out.Stored {
		return "", errors.New("relay did not store message")
	}
	return out.MessageID, nil
}

// FetchMessages returns userID's queued messages undecoded so the caller can
// skip malformed items one by one.
func (c *Client) FetchMessages(ctx context.Context, userID string) ([]json.RawMessage, error) {
	var out struct {
		Messages []json.RawMessage `json:"messages"`
	}
	err := c.do(ctx, http.MethodGet, "/messages", url.Values{"userId": {userID}}, nil, &out)
	return out.Messages, err
}

// DeleteMessages removes the given ids, or everything for userID when ids is
// nil.
func (c *Client) DeleteMessages(ctx context.Context, userID string, ids []string) error {
	q := url.Values{"userId": {userID}}
	if ids != nil {
		if len(ids) == 0 {
			return nil
		}
		q.Set("ids", strings.Join(ids, ","))
	}
	return c.do(ctx, http.MethodDelete, "/messages", q, nil, nil)
}

// ── presence ────────────────────────────────────────────────────────────────

func (c *Client) PeerStatus(ctx context.Context, peerID string) (proto.PeerStatus, error) {
	var st proto.PeerStatus
	err := c.do(ctx, http.MethodGet, "/peers", url.Values{"peerId": {peerID}}, nil, &st)
	return st, err
}

// ── contacts ────────────────────────────────────────────────────────────────

func (c *Client) Contacts(ctx context.Context) ([]storage.Contact, error) {
	var out struct {
		Contacts []storage.Contact `json:"contacts"`
	}
	err := c.do(ctx, http.MethodGet, "/contacts", nil, nil, &out)
	return out.Contacts, err
}

func (c *Client) AddContact(ctx context.Context, peerID, name string) (storage.Contact, error) {
	var out struct {
		Contact storage.Contact `json:"contact"`
	}
	err := c.do(ctx, http.MethodPost, "/contacts", nil, map[string]string{"peerId": peerID, "name": name}, &out)
	return out.Contact, err
}

func (c *Client) RemoveContact(ctx context.Context, peerID string) error {
	return c.do(ctx, http.MethodDelete, "/contacts", url.Values{"peerId": {peerID}}, nil, nil)
}

// RequestContact asks target to add the caller. duplicate reports that a
// pending request already existed.
func (c *Client) RequestContact(ctx context.Context, target string) (requestID string, duplicate bool, err error) {
	var out struct {
		RequestID string `json:"requestId"`
		Duplicate bool   `json:"duplicate"`
	}
	err = c.do(ctx, http.MethodPost, "/contact-requests", nil, map[string]string{"targetUserId": target}, &out)
	return out.RequestID, out.Duplicate, err
}

func (c *Client) ContactRequests(ctx context.Context) ([]storage.ContactRequest, error) {
	var out struct {
		Requests []storage.ContactRequest `json:"requests"`
	}
	err := c.do(ctx, http.MethodGet, "/contact-requests", nil, nil, &out)
	return out.Requests, err
}

func (c *Client) RespondContactRequest(ctx context.Context, requestID string, approve bool) error {
	action := "reject"
	if approve {
		action = "approve"
	}
	return c.do(ctx, http.MethodPatch, "/contact-requests", nil, map[string]string{
		"requestId": requestID,
		"action":    action,
	}, nil)
}

func (c *Client) ClearContactRequests(ctx context.Context) (int, error) {
	var out struct {
		Deleted int `json:"deleted"`
	}
	err := c.do(ctx, http.MethodDelete, "/contact-requests", nil, nil, &out)
	return out.Deleted, err
}

// ── notifications ───────────────────────────────────────────────────────────

func (c *Client) Notify(ctx context.Context, to, message string) error {
	return c.do(ctx, http.MethodPost, "/notifications", nil, map[string]string{"to": to, "message": message}, nil)
}

func (c *Client) Notifications(ctx context.Context) ([]storage.Notification, error) {
	var out struct {
		Notifications []storage.Notification `json:"notifications"`
	}
	err := c.do(ctx, http.MethodGet, "/notifications", nil, nil, &out)
	return out.Notifications, err
}
