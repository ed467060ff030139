// Package transport connects to an MCP server and records every exchange.
//
// A Client is both the tool source of an analysis run and the caller behind
// the executor: ListTools feeds the registry, CallTool runs authorized calls.
// Every request emits TRANSPORT_MESSAGE_SENT, and every response emits
// TRANSPORT_MESSAGE_RECEIVED or TRANSPORT_ERROR.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ormasoftchile/syrin/pkg/kernel/events"
	"github.com/ormasoftchile/syrin/pkg/kernel/executor"
	"github.com/ormasoftchile/syrin/pkg/kernel/recorder"
	"github.com/ormasoftchile/syrin/pkg/kernel/registry"
)

// Kind names how the server is reached.
type Kind string

const (
	KindStdio     Kind = "stdio"
	KindSSE       Kind = "sse"
	KindHTTP      Kind = "http"
	KindInProcess Kind = "inprocess"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("transport closed")

// Options selects and configures a server connection.
type Options struct {
	Kind Kind

	// stdio
	Command string
	Args    []string
	Env     map[string]string
	EnvFile string // dotenv file merged under Env

	// sse and http
	URL     string
	Headers map[string]string
}

// Target is the command line or URL the options point at.
func (o Options) Target() string {
	if o.Kind == KindStdio {
		return strings.TrimSpace(o.Command + " " + strings.Join(o.Args, " "))
	}
	return o.URL
}

// Validate reports whether the options name a reachable server.
func (o Options) Validate() error {
	switch o.Kind {
	case KindStdio:
		if o.Command == "" {
			return errors.New("stdio transport: command is required")
		}
	case KindSSE, KindHTTP:
		if o.URL == "" {
			return fmt.Errorf("%s transport: url is required", o.Kind)
		}
	case KindInProcess:
		return errors.New("inprocess transport: use Connect with an in-process client")
	default:
		return fmt.Errorf("unknown transport kind %q", o.Kind)
	}
	return nil
}

// environ merges the dotenv file (if any) with explicit entries, explicit
// entries winning, as KEY=VALUE pairs in key order.
func (o Options) environ() ([]string, error) {
	vars := map[string]string{}
	if o.EnvFile != "" {
		file, err := godotenv.Read(o.EnvFile)
		if err != nil {
			return nil, fmt.Errorf("read env file: %w", err)
		}
		for k, v := range file {
			vars[k] = v
		}
	}
	for k, v := range o.Env {
		vars[k] = v
	}
	if len(vars) == 0 {
		return nil, nil
	}
	env := os.Environ()
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env, nil
}

// Message is one inbound message: a response to a request made through the
// client, or a server notification.
type Message struct {
	Method       string
	Notification bool
	Payload      json.RawMessage
	Error        string
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithBuffer sets how many inbound messages Messages buffers before new
// ones are dropped.
func WithBuffer(n int) Option {
	return func(c *Client) { c.buffer = n }
}

// WithClientInfo sets the name and version sent in initialize.
func WithClientInfo(name, version string) Option {
	return func(c *Client) { c.info = mcp.Implementation{Name: name, Version: version} }
}

// Client is an initialized MCP connection bound to one session.
type Client struct {
	mcp    *client.Client
	kind   Kind
	target string
	em     recorder.Emitter
	sid    events.SessionID
	logger *slog.Logger
	info   mcp.Implementation
	buffer int

	server   mcp.Implementation
	protocol string

	seq     atomic.Uint64
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
	msgs   chan Message
}

// Dial opens a connection as described by opts and initializes it.
func Dial(ctx context.Context, opts Options, em recorder.Emitter, sid events.SessionID, o ...Option) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	var (
		mc  *client.Client
		err error
	)
	switch opts.Kind {
	case KindStdio:
		var env []string
		if env, err = opts.environ(); err != nil {
			return nil, err
		}
		mc, err = client.NewStdioMCPClient(opts.Command, env, opts.Args...)
	case KindSSE:
		mc, err = client.NewSSEMCPClient(opts.URL, client.WithHeaders(opts.Headers))
	case KindHTTP:
		mc, err = client.NewStreamableHttpClient(opts.URL, mcptransport.WithHTTPHeaders(opts.Headers))
	}
	if err != nil {
		em.Emit(sid, events.TransportError{Operation: "connect", Error: err.Error()})
		return nil, fmt.Errorf("connect %s %s: %w", opts.Kind, opts.Target(), err)
	}
	return Connect(ctx, mc, opts.Kind, opts.Target(), em, sid, o...)
}

// Connect starts and initializes an existing mcp-go client. It emits
// TRANSPORT_INITIALIZED on success and closes mc on failure.
func Connect(ctx context.Context, mc *client.Client, kind Kind, target string, em recorder.Emitter, sid events.SessionID, opts ...Option) (*Client, error) {
	c := &Client{
		mcp:    mc,
		kind:   kind,
		target: target,
		em:     em,
		sid:    sid,
		logger: slog.Default(),
		info:   mcp.Implementation{Name: "syrin", Version: "dev"},
		buffer: 64,
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("component", "transport", "kind", string(kind))
	c.msgs = make(chan Message, c.buffer)

	if err := mc.Start(ctx); err != nil {
		return nil, c.abort("start", err)
	}
	mc.OnNotification(func(n mcp.JSONRPCNotification) {
		payload, _ := json.Marshal(n.Params)
		c.em.Emit(c.sid, events.TransportMessageReceived{Method: n.Method})
		c.deliver(Message{Method: n.Method, Notification: true, Payload: payload})
	})
	mc.OnConnectionLost(func(err error) {
		c.logger.Error("connection lost", "error", err)
		c.em.Emit(c.sid, events.TransportError{Operation: "connection", Error: err.Error()})
	})

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = c.info
	c.em.Emit(c.sid, events.TransportMessageSent{Method: string(mcp.MethodInitialize)})
	res, err := mc.Initialize(ctx, req)
	if err != nil {
		return nil, c.abort(string(mcp.MethodInitialize), err)
	}
	c.em.Emit(c.sid, events.TransportMessageReceived{Method: string(mcp.MethodInitialize)})
	c.server = res.ServerInfo
	c.protocol = res.ProtocolVersion
	c.em.Emit(c.sid, events.TransportInitialized{
		Kind:            string(kind),
		Target:          target,
		ServerName:      res.ServerInfo.Name,
		ServerVersion:   res.ServerInfo.Version,
		ProtocolVersion: res.ProtocolVersion,
	})
	c.logger.Info("transport initialized", "server", res.ServerInfo.Name, "protocol", res.ProtocolVersion)
	return c, nil
}

func (c *Client) abort(op string, err error) error {
	c.em.Emit(c.sid, events.TransportError{Operation: op, Error: err.Error()})
	_ = c.mcp.Close()
	c.mu.Lock()
	c.closed = true
	close(c.msgs)
	c.mu.Unlock()
	return fmt.Errorf("%s %s: %w", op, c.kind, err)
}

// Server reports the initialized server's identity.
func (c *Client) Server() (name, version string) { return c.server.Name, c.server.Version }

// ProtocolVersion is the protocol version the server agreed to.
func (c *Client) ProtocolVersion() string { return c.protocol }

// Messages streams inbound messages until Close. When the buffer is full,
// new messages are dropped and counted.
func (c *Client) Messages() <-chan Message { return c.msgs }

// Dropped is the number of messages Messages could not buffer.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

func (c *Client) deliver(m Message) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.msgs <- m:
	default:
		c.dropped.Add(1)
	}
}

func (c *Client) open() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// sent records an outbound request.
func (c *Client) sent(method string) error {
	if err := c.open(); err != nil {
		return err
	}
	c.em.Emit(c.sid, events.TransportMessageSent{Method: method})
	return nil
}

// failed records a request that got no usable response.
func (c *Client) failed(method string, err error) error {
	c.logger.Warn("request failed", "method", method, "error", err)
	c.em.Emit(c.sid, events.TransportError{Operation: method, Error: err.Error()})
	c.deliver(Message{Method: method, Error: err.Error()})
	return fmt.Errorf("%s: %w", method, err)
}

// received records a response. isError marks a response that carries an
// error result rather than a transport failure.
func (c *Client) received(method string, result any, isError bool) {
	payload, _ := json.Marshal(result)
	c.em.Emit(c.sid, events.TransportMessageReceived{Method: method, Error: isError})
	c.deliver(Message{Method: method, Payload: payload})
}

// Send issues an arbitrary JSON-RPC request and returns its raw result. A
// JSON-RPC error response is returned as an error.
func (c *Client) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := c.sent(method); err != nil {
		return nil, err
	}
	req := mcptransport.JSONRPCRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      mcp.NewRequestId(fmt.Sprintf("syrin-%d", c.seq.Add(1))),
		Method:  method,
		Params:  params,
	}
	resp, err := c.mcp.GetTransport().SendRequest(ctx, req)
	if err != nil {
		return nil, c.failed(method, err)
	}
	if resp.Error != nil {
		c.em.Emit(c.sid, events.TransportMessageReceived{Method: method, Error: true})
		c.deliver(Message{Method: method, Error: resp.Error.Message})
		return nil, fmt.Errorf("%s: rpc error %d: %s", method, resp.Error.Code, resp.Error.Message)
	}
	c.em.Emit(c.sid, events.TransportMessageReceived{Method: method})
	c.deliver(Message{Method: method, Payload: resp.Result})
	return resp.Result, nil
}

// Ping checks the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.sent(string(mcp.MethodPing)); err != nil {
		return err
	}
	if err := c.mcp.Ping(ctx); err != nil {
		return c.failed(string(mcp.MethodPing), err)
	}
	c.received(string(mcp.MethodPing), struct{}{}, false)
	return nil
}

// ListTools fetches the server's tool list, following pagination.
func (c *Client) ListTools(ctx context.Context) ([]registry.RawTool, error) {
	method := string(mcp.MethodToolsList)
	if err := c.sent(method); err != nil {
		return nil, err
	}
	res, err := c.mcp.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, c.failed(method, err)
	}
	c.received(method, res, false)

	raw := make([]registry.RawTool, 0, len(res.Tools))
	for _, t := range res.Tools {
		rt, err := registry.FromMCP(t)
		if err != nil {
			return nil, c.failed(method, err)
		}
		raw = append(raw, rt)
	}
	return raw, nil
}

// CallTool invokes a tool. A tool-level error (IsError) is a result, not an
// error; the error return is for transport and protocol failures.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*executor.ToolResult, error) {
	method := string(mcp.MethodToolsCall)
	if err := c.sent(method); err != nil {
		return nil, err
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := c.mcp.CallTool(ctx, req)
	if err != nil {
		return nil, c.failed(method, err)
	}
	c.received(method, res, res.IsError)
	return toResult(res), nil
}

func toResult(res *mcp.CallToolResult) *executor.ToolResult {
	var text []string
	for _, content := range res.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			text = append(text, tc.Text)
		}
	}
	return &executor.ToolResult{
		Structured: res.StructuredContent,
		Text:       strings.Join(text, "\n"),
		IsError:    res.IsError,
	}
}

// Close shuts the connection and ends the Messages stream. It is safe to
// call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.msgs)
	c.mu.Unlock()
	if err := c.mcp.Close(); err != nil {
		c.em.Emit(c.sid, events.TransportError{Operation: "close", Error: err.Error()})
		return fmt.Errorf("close %s: %w", c.kind, err)
	}
	c.logger.Debug("transport closed")
	return nil
}
