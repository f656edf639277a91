// Package signal implements the secure channel over the relay server's
// websocket. Payloads are opaque to the relay.
package signal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"meshcall/native/internal/domain"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	ErrNotConnected = errors.New("signal client not connected")
	ErrAuthFailed   = errors.New("signal server rejected authentication")
)

// message is the relay server's websocket envelope.
type message struct {
	Method            string `json:"method"`
	Code              *int   `json:"code,omitempty"`
	Message           string `json:"message,omitempty"`
	ClientType        string `json:"clientType,omitempty"`
	AccessToken       string `json:"accessToken,omitempty"`
	ID                string `json:"id,omitempty"`
	RecipientClientID string `json:"recipientClientId,omitempty"`
	SenderClientID    string `json:"senderClientId,omitempty"`
	MessageType       string `json:"messageType,omitempty"`
	MessagePayload    string `json:"messagePayload,omitempty"`
	Timestamp         int64  `json:"timestamp,omitempty"`
}

// Handler receives signaling messages addressed to us. It is called from the
// read loop and must not block for long.
type Handler func(from domain.PeerID, msg domain.SignalMessage)

type Options struct {
	URL          string
	Token        string
	Identity     domain.PeerID
	PingInterval time.Duration
	Logger       zerolog.Logger
}

// Client manages the websocket connection to the relay server.
type Client struct {
	opts    Options
	handler Handler
	log     zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	auth      chan error
	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func NewClient(opts Options, handler Handler) *Client {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	return &Client{
		opts:    opts,
		handler: handler,
		log:     opts.Logger.With().Str("component", "signal").Logger(),
		auth:    make(chan error, 1),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Connect dials the relay, authenticates and starts the read and ping loops.
// It returns once the server has accepted or refused the credentials.
func (c *Client) Connect(ctx context.Context) error {
	c.log.Info().Str("url", c.opts.URL).Msg("connecting")

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.opts.Token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop()

	if err := c.sendJSON(message{
		Method:      "AUTH",
		ClientType:  "meshcall",
		AccessToken: c.opts.Token,
		ID:          string(c.opts.Identity),
	}); err != nil {
		c.Close()
		return fmt.Errorf("send auth: %w", err)
	}

	select {
	case err := <-c.auth:
		if err != nil {
			c.Close()
			return err
		}
	case <-c.done:
		return fmt.Errorf("connection closed during authentication: %w", ErrNotConnected)
	case <-ctx.Done():
		c.Close()
		return ctx.Err()
	}

	c.log.Info().Str("identity", string(c.opts.Identity)).Msg("authenticated")
	go c.pingLoop()
	return nil
}

// Done is closed when the read loop stops.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close shuts down the websocket connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.conn != nil {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.conn.Close()
		}
	})
}

// Send delivers msg to the given identity through the relay.
func (c *Client) Send(ctx context.Context, to domain.PeerID, msg domain.SignalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal signal message: %w", err)
	}

	err = c.sendJSONContext(ctx, message{
		Method:            "TRANSMIT",
		RecipientClientID: string(to),
		SenderClientID:    string(c.opts.Identity),
		MessageType:       msg.Type.String(),
		MessagePayload:    base64.StdEncoding.EncodeToString(data),
		Timestamp:         time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	c.log.Debug().Str("to", string(to)).Stringer("type", msg.Type).Msg(">>> transmit")
	return nil
}

func (c *Client) sendJSON(msg message) error {
	return c.sendJSONContext(context.Background(), msg)
}

func (c *Client) sendJSONContext(ctx context.Context, msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Method, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	select {
	case <-c.closed:
		return ErrNotConnected
	default:
	}

	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", msg.Method, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer c.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.log.Error().Err(err).Msg("read error")
			}
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn().Err(err).Msg("unmarshal error")
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg message) {
	switch msg.Method {
	case "AUTH_RESPONSE":
		var err error
		if msg.Code == nil || *msg.Code != 0 {
			code := -1
			if msg.Code != nil {
				code = *msg.Code
			}
			err = fmt.Errorf("%w: code=%d msg=%s", ErrAuthFailed, code, msg.Message)
		}
		select {
		case c.auth <- err:
		default:
		}

	case "TRANSMIT":
		decoded, err := base64.StdEncoding.DecodeString(msg.MessagePayload)
		if err != nil {
			c.log.Warn().Err(err).Str("from", msg.SenderClientID).Msg("decode transmit payload")
			return
		}
		var sm domain.SignalMessage
		if err := json.Unmarshal(decoded, &sm); err != nil {
			c.log.Warn().Err(err).Str("from", msg.SenderClientID).Msg("unmarshal signal message")
			return
		}
		c.log.Debug().Str("from", msg.SenderClientID).Stringer("type", sm.Type).Msg("<<< transmit")
		c.handler(domain.PeerID(msg.SenderClientID), sm)

	case "TRANSMIT_RESPONSE", "RESPONSE":
		if msg.Code != nil && *msg.Code != 0 {
			c.log.Warn().Int("code", *msg.Code).Str("msg", msg.Message).Msg("relay refused message")
		}

	default:
		c.log.Debug().Str("method", msg.Method).Msg("unhandled method")
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.mu.Unlock()
			if err != nil {
				select {
				case <-c.closed:
				default:
					c.log.Error().Err(err).Msg("ping error")
				}
				return
			}
		}
	}
}
