package outswitch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"

	"github.com/stalexteam/outswitch/pkg/outswitch/util"
)

const (
	toolChangeAudioDevice = "change_audio_device"

	errInvalidToolOrOption = "invalid tool or option"

	// a single request line can't be larger than this
	maxRequestSize = 1024 * 1024

	// how long Stop waits for in-flight requests before cutting connections
	toolServerDrainTimeout = 2 * time.Second

	maxAcceptBackoff = time.Second
)

var toolNames = []string{toolChangeAudioDevice}

// remoteSelector is the part of the Selector the tool server drives
type remoteSelector interface {
	SelectByName(ctx context.Context, substring string) (AudioDevice, error)
}

// aliasSource provides the current option -> substring table
type aliasSource interface {
	Aliases() AliasTable
}

// ToolServer exposes default-output selection to remote automated callers as an MCP tool,
// over newline-delimited JSON-RPC on a loopback TCP port
type ToolServer struct {
	logger   *zap.SugaredLogger
	selector remoteSelector
	aliases  aliasSource
	address  string
	version  string

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}

	running  int32 // 1 while the accept loop runs
	stopping int32 // 1 once Stop has been called

	connections sync.WaitGroup
	conns       map[net.Conn]struct{}
	connsLock   sync.Mutex
}

// NewToolServer creates a tool server that will listen on address once started
func NewToolServer(logger *zap.SugaredLogger, selector remoteSelector, aliases aliasSource, address string) *ToolServer {
	logger = logger.Named("tool_server")

	srv := &ToolServer{
		logger:   logger,
		selector: selector,
		aliases:  aliases,
		address:  address,
		version:  "dev",
		conns:    map[net.Conn]struct{}{},
	}

	logger.Debug("Created tool server instance")

	return srv
}

// SetVersion sets the version reported to MCP clients during initialize
func (srv *ToolServer) SetVersion(version string) {
	if version != "" {
		srv.version = version
	}
}

// Start binds the listener and runs the accept loop in the background.
// only a bind failure is reported; everything after that is logged
func (srv *ToolServer) Start() error {
	if atomic.LoadInt32(&srv.running) == 1 {
		srv.logger.Debugw("Tool server already running", "address", srv.address)
		return nil
	}

	listener, err := net.Listen("tcp", srv.address)
	if err != nil {
		srv.logger.Errorw("Failed to bind tool server", "address", srv.address, "error", err)

		if others, psErr := util.OtherInstanceRunning(); psErr == nil && others {
			return fmt.Errorf("bind tool server to %s (another instance is already running): %w", srv.address, err)
		}

		return fmt.Errorf("bind tool server to %s: %w", srv.address, err)
	}

	srv.listener = listener
	srv.ctx, srv.cancel = context.WithCancel(context.Background())
	srv.loopDone = make(chan struct{})
	atomic.StoreInt32(&srv.stopping, 0)
	atomic.StoreInt32(&srv.running, 1)

	srv.logger.Infow("Starting tool server", "address", listener.Addr().String())

	go srv.acceptLoop()

	return nil
}

// Addr returns the bound listener address, or nil before Start
func (srv *ToolServer) Addr() net.Addr {
	if srv.listener == nil {
		return nil
	}

	return srv.listener.Addr()
}

// IsRunning returns whether the accept loop is currently running
func (srv *ToolServer) IsRunning() bool {
	return atomic.LoadInt32(&srv.running) == 1
}

// Done is closed once the accept loop has exited, whether stopped or failed
func (srv *ToolServer) Done() <-chan struct{} {
	return srv.loopDone
}

// Stop closes the listener, lets in-flight requests finish for a bounded time and then cuts any remaining connections
func (srv *ToolServer) Stop() {
	if !atomic.CompareAndSwapInt32(&srv.stopping, 0, 1) || srv.listener == nil {
		return
	}

	srv.logger.Debug("Stopping tool server")

	if err := srv.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		srv.logger.Debugw("Failed to close tool server listener", "error", err)
	}

	// unblock idle readers, in-flight requests can still write their response
	srv.connsLock.Lock()
	for conn := range srv.conns {
		conn.SetReadDeadline(time.Now())
	}
	srv.connsLock.Unlock()

	if srv.WaitForStop(toolServerDrainTimeout) {
		srv.logger.Debug("Tool server connections drained")
	} else {
		srv.logger.Warn("Tool server connections did not drain within timeout, closing them")
		srv.cancel()

		srv.connsLock.Lock()
		for conn := range srv.conns {
			conn.Close()
		}
		srv.connsLock.Unlock()
	}

	srv.cancel()
	<-srv.loopDone

	srv.logger.Info("Tool server stopped")
}

// WaitForStop waits for all connection handlers to return. returns false on timeout
func (srv *ToolServer) WaitForStop(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		srv.connections.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (srv *ToolServer) acceptLoop() {
	defer close(srv.loopDone)
	defer atomic.StoreInt32(&srv.running, 0)

	var backoff time.Duration

	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&srv.stopping) == 1 {
				srv.logger.Debug("Tool server listener closed, accept loop exiting")
				return
			}

			// same policy as net/http: transient accept failures are retried with backoff
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Temporary() {
				if backoff == 0 {
					backoff = 5 * time.Millisecond
				} else {
					backoff *= 2
				}

				if backoff > maxAcceptBackoff {
					backoff = maxAcceptBackoff
				}

				srv.logger.Warnw("Temporary accept error, retrying", "error", err, "backoff", backoff)
				time.Sleep(backoff)
				continue
			}

			srv.logger.Errorw("Tool server listener failed, accept loop exiting", "error", err)
			return
		}

		backoff = 0

		if !srv.track(conn) {
			conn.Close()
			continue
		}

		srv.connections.Add(1)
		go srv.handleConnection(conn)
	}
}

// track registers conn so Stop can reach it. returns false when the server is already stopping
func (srv *ToolServer) track(conn net.Conn) bool {
	srv.connsLock.Lock()
	defer srv.connsLock.Unlock()

	if atomic.LoadInt32(&srv.stopping) == 1 {
		return false
	}

	srv.conns[conn] = struct{}{}
	return true
}

func (srv *ToolServer) untrack(conn net.Conn) {
	srv.connsLock.Lock()
	delete(srv.conns, conn)
	srv.connsLock.Unlock()
}

func (srv *ToolServer) handleConnection(conn net.Conn) {
	logger := srv.logger.With("conn", uuid.New().String(), "remote", conn.RemoteAddr().String())

	defer srv.connections.Done()
	defer srv.untrack(conn)
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			logger.Errorw("Tool server connection handler panicked", "recover", r)
		}
	}()

	logger.Debug("Accepted tool server connection")

	reader := bufio.NewReaderSize(conn, 64*1024)
	encoder := json.NewEncoder(conn)

	for {
		line, err := readRequestLine(reader)
		if errors.Is(err, bufio.ErrTooLong) {
			logger.Debugw("Discarded oversized request", "limit", maxRequestSize)

			if err := encoder.Encode(rpcError(nil, jsonRPCParseError, "request too large")); err != nil {
				logger.Debugw("Failed to write response, closing connection", "error", err)
				return
			}
			continue
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Debug("Tool server connection closed by peer")
			} else {
				logger.Debugw("Tool server connection read ended", "error", err)
			}
			return
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		response := srv.handleMessage(srv.ctx, logger, line)
		if response == nil {
			continue
		}

		if err := encoder.Encode(response); err != nil {
			logger.Debugw("Failed to write response, closing connection", "error", err)
			return
		}
	}
}

// readRequestLine returns the next newline-terminated line. a line over maxRequestSize is
// consumed up to and including its newline and reported as bufio.ErrTooLong
func readRequestLine(reader *bufio.Reader) ([]byte, error) {
	var line []byte
	oversized := false

	for {
		chunk, err := reader.ReadSlice('\n')

		if !oversized {
			if len(line)+len(chunk) > maxRequestSize {
				oversized = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}

		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case err != nil:
			// a final line without a newline still counts
			if errors.Is(err, io.EOF) && len(line) > 0 && !oversized {
				return line, nil
			}
			return nil, err
		case oversized:
			return nil, bufio.ErrTooLong
		default:
			return line, nil
		}
	}
}

// handleMessage processes one JSON-RPC message. returns nil for notifications
func (srv *ToolServer) handleMessage(ctx context.Context, logger *zap.SugaredLogger, line []byte) *JSONRPCResponse {
	var request JSONRPCRequest
	if err := json.Unmarshal(line, &request); err != nil {
		logger.Debugw("Failed to decode request", "error", fmt.Errorf("%w: %w", ErrProtocolDecode, err))
		return rpcError(nil, jsonRPCParseError, "parse error")
	}

	if request.JSONRPC != jsonRPCVersion || request.Method == "" {
		if request.IsNotification() {
			return nil
		}
		return rpcError(request.ID, jsonRPCInvalidRequest, "invalid request")
	}

	logger.Debugw("Handling request", "method", request.Method)

	var result any

	switch request.Method {
	case "initialize":
		result = MCPInitializeResult{
			ProtocolVersion: mcpProtocolVersion,
			ServerInfo:      MCPServerInfo{Name: "outswitch", Version: srv.version},
			Capabilities:    MCPCapabilities{Tools: MCPToolsCapability{}},
		}
	case "ping":
		result = struct{}{}
	case "tools/list":
		result = MCPToolsListResult{Tools: []MCPTool{changeAudioDeviceTool(srv.aliases.Aliases())}}
	case "tools/call":
		if request.IsNotification() {
			return nil
		}
		return srv.handleToolCall(ctx, logger, request)
	default:
		if request.IsNotification() {
			return nil
		}
		return rpcError(request.ID, jsonRPCMethodNotFound, "method not found: "+request.Method)
	}

	if request.IsNotification() {
		return nil
	}

	return rpcResult(request.ID, result)
}

func (srv *ToolServer) handleToolCall(ctx context.Context, logger *zap.SugaredLogger, request JSONRPCRequest) *JSONRPCResponse {
	var params MCPToolCallParams
	if err := json.Unmarshal(request.Params, &params); err != nil {
		logger.Debugw("Failed to decode tool call params", "error", fmt.Errorf("%w: %w", ErrProtocolDecode, err))
		return rpcError(request.ID, jsonRPCInvalidParams, "invalid params")
	}

	if !funk.ContainsString(toolNames, params.Name) {
		return rpcError(request.ID, jsonRPCInvalidParams, "unknown tool: "+params.Name)
	}

	var args ToolRequest
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			logger.Debugw("Failed to decode tool arguments", "error", fmt.Errorf("%w: %w", ErrProtocolDecode, err))
			return rpcError(request.ID, jsonRPCInvalidParams, "invalid arguments")
		}
	}

	return rpcResult(request.ID, toolResult(srv.changeAudioDevice(ctx, logger, args)))
}

// changeAudioDevice translates a logical device option into a substring selection
func (srv *ToolServer) changeAudioDevice(ctx context.Context, logger *zap.SugaredLogger, args ToolRequest) ToolOutcome {
	substring, ok := srv.aliases.Aliases().Resolve(args.Option)
	if !ok {
		logger.Infow("Rejected unknown device option", "tool", args.Tool, "option", args.Option)
		return ToolOutcome{Error: errInvalidToolOrOption}
	}

	device, err := srv.selector.SelectByName(ctx, substring)
	if err != nil {
		logger.Warnw("Remote device change failed", "option", args.Option, "substring", substring, "error", err)
		return ToolOutcome{Error: err.Error()}
	}

	logger.Infow("Remote device change succeeded", "option", args.Option, "device", device)

	return ToolOutcome{Result: "ok"}
}

func changeAudioDeviceTool(aliases AliasTable) MCPTool {
	return MCPTool{
		Name:        toolChangeAudioDevice,
		Description: "Change the default audio output device.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"tool": map[string]any{
					"type":        "string",
					"description": "Reserved, currently ignored.",
				},
				"option": map[string]any{
					"type":        "string",
					"description": "Logical output device to switch to.",
					"enum":        aliases.Options(),
				},
			},
			"required": []string{"option"},
		},
	}
}
