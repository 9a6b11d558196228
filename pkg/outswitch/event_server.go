package outswitch

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	eventsource "github.com/stalexteam/eventsource_go"
	"go.uber.org/zap"
)

// EventServer provides an EventSource feed of default output changes for dashboards and scripts
type EventServer struct {
	selector *Selector
	logger   *zap.SugaredLogger
	server   *http.Server
	port     int

	stopChannel chan bool
	stopOnce    sync.Once
	running     int32 // Atomic flag: 1 = serving, 0 = not serving
	started     int32 // set once by Start; a stopped server isn't restarted
	stopped     int32

	// ConnectionManager manages all active SSE connections
	manager *eventsource.ConnectionManager

	// Event counter for SSE id field
	eventID int64
}

const (
	// SSE retry timeout in milliseconds
	sseRetryTimeout = 30000

	// Ping interval
	pingInterval = 10 * time.Second

	eventTypePing          = "ping"
	eventTypeDevices       = "devices"
	eventTypeDefaultOutput = "default_output"
)

// devicesEvent is the snapshot sent to every newly connected client
type devicesEvent struct {
	Devices   []AudioDevice `json:"devices"`
	DefaultID string        `json:"default"`
}

// NewEventServer creates a new event server instance. a non-positive port disables it
func NewEventServer(selector *Selector, logger *zap.SugaredLogger, port int) (*EventServer, error) {
	logger = logger.Named("events")

	manager := eventsource.NewConnectionManager()

	manager.SetOnConnect(func(encoder *eventsource.Encoder) {
		logger.Infow("New SSE client connected",
			"remote", encoder.RemoteAddr(),
			"path", encoder.Path())
	})

	manager.SetOnDisconnect(func(encoder *eventsource.Encoder) {
		logger.Debugw("SSE client disconnected",
			"remote", encoder.RemoteAddr(),
			"path", encoder.Path())
	})

	srv := &EventServer{
		selector:    selector,
		logger:      logger,
		port:        port,
		stopChannel: make(chan bool),
		manager:     manager,
		eventID:     1,
	}

	logger.Debug("Created event server instance")

	return srv, nil
}

// Start starts the SSE server on the configured port
func (srv *EventServer) Start() error {
	if srv.port <= 0 {
		srv.logger.Debug("Event port not configured, server will not start")
		return nil
	}

	if !atomic.CompareAndSwapInt32(&srv.started, 0, 1) {
		srv.logger.Debugw("Event server already started", "port", srv.port)
		return nil
	}

	handler := eventsource.HandlerV2(func(
		info *eventsource.ConnectionInfo,
		encoder *eventsource.Encoder,
		stop <-chan bool,
	) {
		if err := encoder.SetRetry(sseRetryTimeout); err != nil {
			srv.logEncodeError("Error sending retry field", err)
			return
		}

		if err := srv.encodeTo(encoder, eventTypePing, srv.pingPayload()); err != nil {
			srv.logEncodeError("Error sending ping event", err)
			return
		}

		if err := srv.encodeTo(encoder, eventTypeDevices, srv.snapshot()); err != nil {
			srv.logEncodeError("Error sending device snapshot", err)
			return
		}

		// Wait for client disconnect or server stop
		select {
		case <-stop:
			return
		case <-srv.stopChannel:
			return
		}
	})

	handlerWithManager := eventsource.HandlerWithManager(srv.manager, handler)

	mux := http.NewServeMux()
	mux.HandleFunc("/", handlerWithManager.ServeHTTP)

	addr := fmt.Sprintf("127.0.0.1:%d", srv.port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		srv.logger.Errorw("Failed to bind event server", "addr", addr, "error", err)
		srv.halt()
		return fmt.Errorf("bind event server to %s: %w", addr, err)
	}

	srv.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	atomic.StoreInt32(&srv.running, 1)

	go func() {
		srv.logger.Infow("Starting event server", "addr", addr)
		if err := srv.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			srv.logger.Errorw("Event server error", "error", err)
			atomic.StoreInt32(&srv.running, 0)
			srv.halt()
		}
	}()

	go srv.broadcastLoop(srv.selector.SubscribeToChanges())
	go srv.pingLoop()

	return nil
}

// halt releases the broadcast and ping loops and any open handlers
func (srv *EventServer) halt() {
	srv.stopOnce.Do(func() {
		close(srv.stopChannel)
	})
}

// Stop stops the SSE server
func (srv *EventServer) Stop() {
	if atomic.LoadInt32(&srv.started) == 0 || !atomic.CompareAndSwapInt32(&srv.stopped, 0, 1) {
		return
	}

	srv.logger.Debug("Stopping event server")

	srv.halt()

	srv.manager.CloseAll()
	srv.logger.Debugw("Closed all SSE connections", "count", srv.manager.Count())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if srv.server != nil {
		if err := srv.server.Shutdown(ctx); err != nil {
			srv.logger.Warnw("Error during event server shutdown", "error", err)
			srv.server.Close()
		}
	}

	atomic.StoreInt32(&srv.running, 0)

	srv.logger.Info("Event server stopped")
}

// IsRunning returns whether the server is currently running
func (srv *EventServer) IsRunning() bool {
	return atomic.LoadInt32(&srv.running) == 1
}

func (srv *EventServer) broadcastLoop(changes chan AudioDevice) {
	for {
		select {
		case <-srv.stopChannel:
			return
		case device, ok := <-changes:
			if !ok {
				return
			}
			srv.broadcast(eventTypeDefaultOutput, device)
		}
	}
}

// pingLoop sends ping events periodically to all clients
func (srv *EventServer) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-srv.stopChannel:
			return
		case <-ticker.C:
			if atomic.LoadInt32(&srv.running) == 0 {
				return
			}

			srv.broadcast(eventTypePing, srv.pingPayload())
		}
	}
}

func (srv *EventServer) broadcast(eventType string, payload any) {
	event, err := srv.newEvent(eventType, payload)
	if err != nil {
		srv.logger.Warnw("Failed to marshal event for broadcast", "type", eventType, "error", err)
		return
	}

	// ConnectionManager automatically removes failed connections
	if err := srv.manager.Broadcast(event); err != nil && eventsource.IsConnectionError(err) {
		srv.logger.Debugw("Some connections failed during broadcast", "type", eventType, "error", err)
	}
}

func (srv *EventServer) encodeTo(encoder *eventsource.Encoder, eventType string, payload any) error {
	event, err := srv.newEvent(eventType, payload)
	if err != nil {
		return err
	}

	return encoder.Encode(event)
}

func (srv *EventServer) newEvent(eventType string, payload any) (eventsource.Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return eventsource.Event{}, fmt.Errorf("marshal %s event: %w", eventType, err)
	}

	return eventsource.Event{
		ID:   fmt.Sprintf("%d", atomic.AddInt64(&srv.eventID, 1)),
		Type: eventType,
		Data: data,
	}, nil
}

func (srv *EventServer) snapshot() devicesEvent {
	snapshot := devicesEvent{Devices: srv.selector.List()}

	if id, err := srv.selector.Default(); err == nil {
		snapshot.DefaultID = id
	}

	return snapshot
}

func (srv *EventServer) pingPayload() map[string]any {
	return map[string]any{"title": "outswitch"}
}

func (srv *EventServer) logEncodeError(message string, err error) {
	if eventsource.IsConnectionError(err) {
		srv.logger.Debugw(message+", connection closed", "error", err)
	} else {
		srv.logger.Debugw(message, "error", err)
	}
}
