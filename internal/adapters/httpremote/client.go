package httpremote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Jaaco/talon/internal/message"
	"github.com/Jaaco/talon/internal/store"
)

// Client is a store.RemoteStore talking to a Server's HTTP+WebSocket
// surface. baseURL is e.g. "http://peer:8080"; its scheme is flipped to
// ws(s) for Subscribe.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs a Client against baseURL.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: baseURL, httpClient: http.DefaultClient, logger: logger}
}

func (c *Client) FetchSince(ctx context.Context, cursor uint64, userID, clientID string) ([]message.Message, error) {
	u := fmt.Sprintf("%s/messages?since=%d&user_id=%s&client_id=%s",
		c.baseURL, cursor, url.QueryEscape(userID), url.QueryEscape(clientID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("httpremote: fetch_since: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpremote: fetch_since: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("httpremote: fetch_since: status %d", resp.StatusCode)
	}

	var wire []wireMessage
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("httpremote: fetch_since: decode: %w", err)
	}

	out := make([]message.Message, len(wire))
	for i, w := range wire {
		out[i] = fromWire(w)
	}
	return out, nil
}

func (c *Client) SendMessage(ctx context.Context, m message.Message) (bool, error) {
	body, err := json.Marshal(toWire(m))
	if err != nil {
		return false, fmt.Errorf("httpremote: send_message: encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("httpremote: send_message: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("httpremote: send_message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("httpremote: send_message: status %d", resp.StatusCode)
	}

	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("httpremote: send_message: decode: %w", err)
	}
	return out.Accepted, nil
}

// SendBatch posts the whole batch as one bulk request rather than looping
// SendMessage, per store.RemoteStore's doc comment on true bulk transports.
func (c *Client) SendBatch(ctx context.Context, batch []message.Message) (store.BatchResult, error) {
	wire := make([]wireMessage, len(batch))
	for i, m := range batch {
		wire[i] = toWire(m)
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return store.BatchResult{}, fmt.Errorf("httpremote: send_batch: encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages/batch", bytes.NewReader(body))
	if err != nil {
		return store.BatchResult{}, fmt.Errorf("httpremote: send_batch: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return store.BatchResult{}, fmt.Errorf("httpremote: send_batch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return store.BatchResult{}, fmt.Errorf("httpremote: send_batch: status %d", resp.StatusCode)
	}

	var out batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return store.BatchResult{}, fmt.Errorf("httpremote: send_batch: decode: %w", err)
	}
	return store.BatchResult{Accepted: out.Accepted}, nil
}

func (c *Client) Subscribe(ctx context.Context, userID, clientID string, cursor uint64, onBatch store.OnBatch) (store.Subscription, error) {
	wsURL, err := toWebsocketURL(c.baseURL, userID, clientID, cursor)
	if err != nil {
		return nil, fmt.Errorf("httpremote: subscribe: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("httpremote: subscribe: dial: %w", err)
	}

	sub := &subscription{conn: conn, logger: c.logger}
	go sub.pump(onBatch)
	return sub, nil
}

func toWebsocketURL(baseURL, userID, clientID string, cursor uint64) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = u.Path + "/tail"
	q := u.Query()
	q.Set("user_id", userID)
	q.Set("client_id", clientID)
	q.Set("since", strconv.FormatUint(cursor, 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// subscription wraps a live websocket connection, pumping inbound batches
// to onBatch on its own goroutine until Close or a read error.
type subscription struct {
	conn   *websocket.Conn
	logger *zap.Logger

	closeOnce sync.Once
}

func (s *subscription) pump(onBatch store.OnBatch) {
	for {
		var wire []wireMessage
		if err := s.conn.ReadJSON(&wire); err != nil {
			return
		}
		if len(wire) == 0 {
			continue
		}
		batch := make([]message.Message, len(wire))
		for i, w := range wire {
			batch[i] = fromWire(w)
		}
		// Delivered on this pump goroutine, never inline with whatever
		// produced it server-side: a caller subscribed to its own pushes
		// can't reenter its own lock from within a call it made.
		onBatch(batch)
	}
}

func (s *subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}
