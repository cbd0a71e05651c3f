package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/slog"
	"github.com/gorilla/websocket"
)

// incomingBuffer is how many forwarded frames wait for Receive before new
// ones are dropped.
const incomingBuffer = 64

// Client is one party's connection to a relay.
type Client struct {
	log slog.Logger
	ws  *websocket.Conn
	wmu sync.Mutex

	mu         sync.Mutex
	id         string
	registered chan struct{}

	incoming chan Message
	dropped  atomic.Int64
	done     chan struct{}
	err      error
}

// Dial connects to the relay at url (ws:// or wss://).
func Dial(ctx context.Context, log slog.Logger, url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("relay dial %s: %w", url, err)
	}
	c := &Client{
		log:        log,
		ws:         ws,
		registered: make(chan struct{}, 1),
		incoming:   make(chan Message, incomingBuffer),
		done:       make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.incoming)
	for {
		var m Message
		if err := c.ws.ReadJSON(&m); err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			return
		}
		switch m.Type {
		case TypeRegistered:
			select {
			case c.registered <- struct{}{}:
			default:
			}
		case TypeForward:
			select {
			case c.incoming <- m:
			default:
				c.dropped.Add(1)
				c.log.Warnf("relay: receive queue full, frame dropped")
			}
		default:
			c.log.Debugf("relay: ignoring frame type %q", m.Type)
		}
	}
}

func (c *Client) write(ctx context.Context, m Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteJSON(m); err != nil {
		return fmt.Errorf("relay write: %w", err)
	}
	return nil
}

// Dropped is the number of forwarded frames lost to a full receive queue.
func (c *Client) Dropped() int64 { return c.dropped.Load() }

// Register claims id on the relay and waits for the acknowledgement.
func (c *Client) Register(ctx context.Context, id string) error {
	if err := c.write(ctx, Message{Type: TypeRegister, ClientID: id}); err != nil {
		return err
	}
	select {
	case <-c.registered:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	c.mu.Lock()
	c.id = id
	c.mu.Unlock()
	c.log.Infof("relay: registered as %s", id)
	return nil
}

// ID is the registered id, empty before Register succeeds.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Send forwards payload, encoded as JSON, to the client registered as to.
// Delivery is not acknowledged.
func (c *Client) Send(ctx context.Context, to string, payload interface{}) error {
	if c.ID() == "" {
		return ErrNotRegistered
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return c.write(ctx, Message{Type: TypeForward, ClientID: to, Payload: raw})
}

// Receive waits for the next forwarded payload and decodes it into v.
func (c *Client) Receive(ctx context.Context, v interface{}) error {
	select {
	case m, ok := <-c.incoming:
		if !ok {
			return c.closedErr()
		}
		if err := json.Unmarshal(m.Payload, v); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, c.err)
	}
	return ErrClosed
}

// Close closes the connection and waits for the read loop to exit.
func (c *Client) Close() error {
	c.wmu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.wmu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}
