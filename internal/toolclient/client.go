package toolclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"crabstack.local/projects/crab-orchestrator/internal/ids"
	"crabstack.local/projects/crab-orchestrator/internal/protocol"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxBodyBytes       = 1 << 20
)

var ErrUnknownTool = errors.New("unknown tool")

type HostConfig struct {
	Name    string
	BaseURL string
}

// route is where a discovered tool is served and how it was described.
type route struct {
	host HostConfig
	def  Definition
}

// Client routes non-local methods to the tool hosts that advertised them.
type Client struct {
	hosts      []HostConfig
	httpClient *http.Client
	logger     *log.Logger

	mu     sync.RWMutex
	routes map[string]route
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func New(logger *log.Logger, hosts []HostConfig, opts ...Option) *Client {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	c := &Client{
		hosts:      normalizeHosts(hosts),
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		logger:     logger,
		routes:     make(map[string]route),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Discover rebuilds the routing table from every host's /v1/tools listing.
// Unreachable hosts are logged and skipped. When two hosts advertise the same
// tool the later host in configuration order wins.
func (c *Client) Discover(ctx context.Context) error {
	routes := make(map[string]route)
	for _, host := range c.hosts {
		if err := ctx.Err(); err != nil {
			return err
		}
		var listing DiscoveryResponse
		if err := c.roundTrip(ctx, http.MethodGet, host.BaseURL+"/v1/tools", nil, &listing); err != nil {
			c.logger.Printf("tool discovery warning host=%s err=%v", host.Name, err)
			continue
		}
		for _, tool := range listing.Tools {
			name := strings.TrimSpace(tool.Name)
			if name == "" || protocol.IsLocalMethod(name) {
				continue
			}
			if prev, exists := routes[name]; exists && prev.host.BaseURL != host.BaseURL {
				c.logger.Printf("tool discovery warning duplicate tool=%s prev_host=%s host=%s", name, prev.host.Name, host.Name)
			}
			routes[name] = route{host: host, def: Definition{
				Name:        name,
				Description: tool.Description,
				InputSchema: cloneRawMessage(tool.InputSchema),
				SideEffects: tool.SideEffects,
			}}
		}
		c.logger.Printf("tool host discovered host=%s service=%s tools=%d", host.Name, listing.Service, len(listing.Tools))
	}

	c.mu.Lock()
	c.routes = routes
	c.mu.Unlock()
	return nil
}

// AvailableTools lists discovered tools sorted by name.
func (c *Client) AvailableTools() []Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tools := make([]Definition, 0, len(c.routes))
	for _, r := range c.routes {
		def := r.def
		def.InputSchema = cloneRawMessage(def.InputSchema)
		tools = append(tools, def)
	}
	sort.Slice(tools, func(i, j int) bool {
		return tools[i].Name < tools[j].Name
	})
	return tools
}

// ReadOnlyTools names the discovered tools whose hosts declare no side
// effects.
func (c *Client) ReadOnlyTools() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var names []string
	for name, r := range c.routes {
		if !r.def.SideEffects {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Has reports whether a discovered host serves method.
func (c *Client) Has(method string) bool {
	_, ok := c.lookup(method)
	return ok
}

func (c *Client) Call(ctx context.Context, req CallRequest) (CallResponse, error) {
	toolName := strings.TrimSpace(req.ToolName)
	if toolName == "" {
		return CallResponse{}, fmt.Errorf("tool_name is required")
	}
	r, ok := c.lookup(toolName)
	if !ok {
		return CallResponse{}, fmt.Errorf("%w: %s", ErrUnknownTool, toolName)
	}

	var resp CallResponse
	if err := c.roundTrip(ctx, http.MethodPost, r.host.BaseURL+"/v1/tools/call", req, &resp); err != nil {
		return CallResponse{}, fmt.Errorf("call tool host %s: %w", r.host.Name, err)
	}
	return resp, nil
}

// Invocation is one non-local method call made on behalf of a session.
type Invocation struct {
	SessionID string
	ProjectID string
	Method    string
	Params    json.RawMessage
}

// Invoke calls a tool for a session and returns its raw result. A non-ok tool
// status comes back as a *protocol.RPCError so the reasoning engine sees it as
// a tool error. The caller's deadline is forwarded as the call timeout.
func (c *Client) Invoke(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	params := inv.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	req := CallRequest{
		Version:  VersionV1,
		CallID:   ids.Prefixed("call"),
		ToolName: inv.Method,
		Args:     params,
		Context:  CallContext{SessionID: inv.SessionID, ProjectID: inv.ProjectID, Origin: "agent_turn"},
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			req.TimeoutMS = int(remaining / time.Millisecond)
		}
	}

	resp, err := c.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	switch resp.Status {
	case CallStatusOK:
		if len(resp.Result) == 0 {
			return json.RawMessage("null"), nil
		}
		return resp.Result, nil
	case CallStatusTimeout:
		return nil, &protocol.RPCError{Code: protocol.RPCExecutionFailed, Message: fmt.Sprintf("%s timed out on tool host", inv.Method)}
	default:
		message := string(resp.Status)
		if resp.Error != nil && strings.TrimSpace(resp.Error.Message) != "" {
			message = resp.Error.Code + ": " + resp.Error.Message
		}
		return nil, &protocol.RPCError{Code: protocol.RPCExecutionFailed, Message: message}
	}
}

func (c *Client) lookup(method string) (route, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.routes[strings.TrimSpace(method)]
	return r, ok
}

// roundTrip sends body as JSON (when non-nil) and decodes a 2xx reply into
// out. Other statuses become errors carrying the trimmed response body.
func (c *Client) roundTrip(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("content-type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		message := strings.TrimSpace(string(raw))
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, message)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func normalizeHosts(hosts []HostConfig) []HostConfig {
	normalized := make([]HostConfig, 0, len(hosts))
	for _, host := range hosts {
		baseURL := strings.TrimSuffix(strings.TrimSpace(host.BaseURL), "/")
		if baseURL == "" {
			continue
		}
		name := strings.TrimSpace(host.Name)
		if name == "" {
			name = baseURL
		}
		normalized = append(normalized, HostConfig{Name: name, BaseURL: baseURL})
	}
	return normalized
}

func cloneRawMessage(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	copied := make(json.RawMessage, len(raw))
	copy(copied, raw)
	return copied
}
