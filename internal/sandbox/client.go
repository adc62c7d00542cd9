package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"crabstack.local/projects/crab-orchestrator/internal/protocol"
)

const ioTimeout = 10 * time.Second

var ErrNotConnected = errors.New("sandbox is not connected")

type Config struct {
	GatewayURL  string
	SessionID   string
	ProjectID   string
	Domain      string
	Identity    string
	ProjectRoot string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.GatewayURL) == "" {
		return errors.New("gateway url is required")
	}
	if strings.TrimSpace(c.SessionID) == "" {
		return errors.New("session id is required")
	}
	return nil
}

// Client is the local side of a session. It announces itself with a
// session_init frame, answers local/* requests with its Executor and hands
// every other message to OnMessage.
type Client struct {
	cfg      Config
	executor *Executor
	logger   *log.Logger

	// OnMessage receives non-RPC messages from the orchestrator. It runs on
	// the read goroutine.
	OnMessage func(protocol.Message)

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	calls   sync.WaitGroup
}

func NewClient(logger *log.Logger, cfg Config, executor *Executor) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if executor == nil {
		return nil, errors.New("executor is required")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cfg.ProjectRoot == "" {
		cfg.ProjectRoot = executor.Root()
	}
	return &Client{cfg: cfg, executor: executor, logger: logger}, nil
}

// Run dials the orchestrator and serves the connection until ctx is done or
// the connection drops.
func (c *Client) Run(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: ioTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.GatewayURL, nil)
	if err != nil {
		return fmt.Errorf("dial orchestrator websocket: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()

	init := protocol.SessionInit{
		SessionID:   c.cfg.SessionID,
		ProjectID:   c.cfg.ProjectID,
		ProjectRoot: c.cfg.ProjectRoot,
		Domain:      c.cfg.Domain,
		Identity:    c.cfg.Identity,
	}
	if err := c.Send(ctx, init); err != nil {
		return fmt.Errorf("send session init: %w", err)
	}
	c.logger.Printf("sandbox connected url=%s session_id=%s root=%s", c.cfg.GatewayURL, c.cfg.SessionID, c.executor.Root())

	callCtx, cancelCalls := context.WithCancel(ctx)
	defer func() {
		cancelCalls()
		c.calls.Wait()
	}()

	stop := context.AfterFunc(ctx, func() {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(500*time.Millisecond))
		c.writeMu.Unlock()
		_ = conn.Close()
	})
	defer stop()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read orchestrator frame: %w", err)
		}
		msg, err := protocol.DecodeFrame(kind == websocket.BinaryMessage, data)
		if err != nil {
			c.logger.Printf("dropping malformed frame err=%v", err)
			continue
		}
		if req, ok := msg.(protocol.RPCRequest); ok {
			c.calls.Add(1)
			go c.serveCall(callCtx, req)
			continue
		}
		if c.OnMessage != nil {
			c.OnMessage(msg)
		}
	}
}

func (c *Client) serveCall(ctx context.Context, req protocol.RPCRequest) {
	defer c.calls.Done()
	c.logger.Printf("sandbox call id=%s method=%s", req.ID, req.Method)
	resp := c.executor.Handle(ctx, req)
	if err := c.Send(ctx, resp); err != nil {
		c.logger.Printf("sandbox response not sent id=%s err=%v", req.ID, err)
	}
}

// Send writes one message to the orchestrator.
func (c *Client) Send(ctx context.Context, msg protocol.Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(ioTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", msg.MessageType(), err)
	}
	return nil
}
