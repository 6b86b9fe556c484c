// Package websocket drives the Solana RPC websocket subscription
// protocol (accountSubscribe/signatureSubscribe and their
// notification counterparts), feeding internal/priceoracle's cache and
// internal/engine's reconciliation path with push updates instead of
// poll-only queries.
package websocket

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type rpcNotification struct {
	Method string `json:"method"`
	Params struct {
		Subscription uint64          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

// Client is a single persistent connection to a Solana RPC websocket
// endpoint, dispatching notifications to per-subscription callbacks.
type Client struct {
	url string

	mu   sync.Mutex // guards conn (write + reconnect)
	conn *websocket.Conn

	nextID  atomic.Uint64
	pending map[uint64]chan rpcResponse
	pendMu  sync.Mutex

	subs   map[uint64]func(json.RawMessage)
	subsMu sync.RWMutex

	closeCh chan struct{}
}

// Dial connects to url (a wss:// Solana RPC endpoint) and starts the
// read loop.
func Dial(url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		url:     url,
		conn:    conn,
		pending: make(map[uint64]chan rpcResponse),
		subs:    make(map[uint64]func(json.RawMessage)),
		closeCh: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Str("url", c.url).Msg("websocket read failed, reconnecting")
			if !c.reconnect() {
				return
			}
			continue
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var notif rpcNotification
	if err := json.Unmarshal(data, &notif); err == nil && notif.Method != "" {
		c.subsMu.RLock()
		handler, ok := c.subs[notif.Params.Subscription]
		c.subsMu.RUnlock()
		if ok {
			handler(notif.Params.Result)
		}
		return
	}

	var resp rpcResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return
	}
	c.pendMu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.pendMu.Unlock()
	if ok {
		ch <- resp
	}
}

func (c *Client) reconnect() bool {
	select {
	case <-c.closeCh:
		return false
	default:
	}

	backoff := time.Second
	for {
		conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			log.Info().Str("url", c.url).Msg("websocket reconnected")
			return true
		}
		log.Warn().Err(err).Dur("backoff", backoff).Msg("websocket reconnect failed, retrying")
		select {
		case <-time.After(backoff):
		case <-c.closeCh:
			return false
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (c *Client) call(method string, params []interface{}) (rpcResponse, error) {
	id := c.nextID.Add(1)
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		return rpcResponse{}, err
	}

	ch := make(chan rpcResponse, 1)
	c.pendMu.Lock()
	c.pending[id] = ch
	c.pendMu.Unlock()

	c.mu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.mu.Unlock()
	if err != nil {
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
		return rpcResponse{}, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp, fmt.Errorf("rpc error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp, nil
	case <-time.After(10 * time.Second):
		return rpcResponse{}, fmt.Errorf("timeout waiting for %s response", method)
	}
}

// AccountSubscribe subscribes to account-change notifications for
// address, calling handler on every update.
func (c *Client) AccountSubscribe(address string, handler func(json.RawMessage)) (uint64, error) {
	resp, err := c.call("accountSubscribe", []interface{}{
		address,
		map[string]string{"encoding": "jsonParsed", "commitment": "confirmed"},
	})
	if err != nil {
		return 0, err
	}
	var subID uint64
	if err := json.Unmarshal(resp.Result, &subID); err != nil {
		return 0, fmt.Errorf("parse subscription id: %w", err)
	}
	c.subsMu.Lock()
	c.subs[subID] = handler
	c.subsMu.Unlock()
	return subID, nil
}

// SignatureSubscribe subscribes to confirmation notifications for a
// transaction signature, calling handler once when it fires.
func (c *Client) SignatureSubscribe(signature string, handler func(json.RawMessage)) (uint64, error) {
	resp, err := c.call("signatureSubscribe", []interface{}{
		signature,
		map[string]string{"commitment": "confirmed"},
	})
	if err != nil {
		return 0, err
	}
	var subID uint64
	if err := json.Unmarshal(resp.Result, &subID); err != nil {
		return 0, fmt.Errorf("parse subscription id: %w", err)
	}
	c.subsMu.Lock()
	c.subs[subID] = handler
	c.subsMu.Unlock()
	return subID, nil
}

// Unsubscribe tears down a subscription by its unsubscribe method name
// ("accountUnsubscribe" or "signatureUnsubscribe") and ID.
func (c *Client) Unsubscribe(method string, subID uint64) {
	c.subsMu.Lock()
	delete(c.subs, subID)
	c.subsMu.Unlock()

	if _, err := c.call(method, []interface{}{subID}); err != nil {
		log.Warn().Err(err).Str("method", method).Uint64("subID", subID).Msg("unsubscribe failed")
	}
}

// Close tears down the connection and stops reconnect attempts.
func (c *Client) Close() error {
	close(c.closeCh)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}
