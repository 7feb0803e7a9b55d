// Package bridge is the dashboard-facing adapter: an ordinary service that
// forwards a configured set of topics over a websocket as JSON frames and
// turns inbound dashboard commands into bus submissions. It holds no state
// the core depends on; it participates purely through the service and
// topic/payload contracts.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/animus-bot/animus/bus"
	"github.com/animus-bot/animus/events"
	"github.com/animus-bot/animus/pkg/slogx"
	"github.com/animus-bot/animus/service"
	"github.com/fogfish/opts"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const clientSendBuffer = 32

// Bridge implements service.Runner. Construct it with the bus handle, wrap
// it in a service, and register it with the supervisor after the services
// whose events it forwards.
type Bridge struct {
	bus            *bus.Bus
	addr           string
	topics         []events.Topic
	allowedOrigins []string
	gatherer       prometheus.Gatherer
	log            *slog.Logger

	upgrader websocket.Upgrader
	srv      *http.Server
	lnAddr   atomic.Value
	seq      atomic.Uint64

	mu      sync.Mutex
	clients map[*client]struct{}
}

var (
	// WithAddr sets the HTTP listen address.
	WithAddr = opts.ForName[Bridge, string]("addr")
	// WithTopics sets the topics forwarded to connected dashboards.
	WithTopics = opts.ForName[Bridge, []events.Topic]("topics")
	// WithAllowedOrigins sets the CORS origins allowed to reach the bridge.
	WithAllowedOrigins = opts.ForName[Bridge, []string]("allowedOrigins")
	// WithGatherer exposes a Prometheus gatherer on /metrics.
	WithGatherer = opts.ForName[Bridge, prometheus.Gatherer]("gatherer")
	// WithLogger installs the bridge logger.
	WithLogger = opts.ForName[Bridge, *slog.Logger]("log")
)

var _ service.Runner = (*Bridge)(nil)

// New creates a Bridge over b.
func New(b *bus.Bus, options ...opts.Option[Bridge]) (*Bridge, error) {
	if b == nil {
		return nil, fmt.Errorf("bridge: bus is required")
	}
	br := &Bridge{
		bus:            b,
		addr:           "127.0.0.1:8765",
		allowedOrigins: []string{"*"},
		log:            slog.Default(),
		clients:        map[*client]struct{}{},
	}
	if err := opts.Apply(br, options); err != nil {
		return nil, err
	}
	br.upgrader = websocket.Upgrader{
		// Origin policy is enforced by the CORS middleware; the upgrader
		// would otherwise reject the dashboard's cross-origin handshake.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return br, nil
}

// OnStart subscribes to every forwarded topic and starts the HTTP server.
// The listener is opened here so a bad address fails startup instead of
// surfacing later inside a task.
func (br *Bridge) OnStart(_ context.Context, svc *service.Service) error {
	for _, topic := range br.topics {
		if _, err := svc.Subscribe(topic, br.forward,
			bus.WithSubscriberName("dashboard-bridge")); err != nil {
			return err
		}
	}

	router := chi.NewRouter()
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: br.allowedOrigins,
		AllowedMethods: []string{http.MethodGet},
	}))
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if br.gatherer != nil {
		router.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(br.gatherer, promhttp.HandlerOpts{}))
	}
	router.Get("/ws", br.handleWS(svc))

	ln, err := net.Listen("tcp", br.addr)
	if err != nil {
		return fmt.Errorf("bridge: listening on %s: %w", br.addr, err)
	}
	br.srv = &http.Server{Handler: router, ReadHeaderTimeout: 5 * time.Second}
	br.lnAddr.Store(ln.Addr().String())

	svc.Go("http", func(ctx context.Context) {
		if err := br.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			br.log.Error("bridge server stopped", slogx.Error(err))
		}
	})
	return nil
}

// Addr returns the address the bridge is actually listening on, which
// differs from the configured one when a port of 0 was requested.
func (br *Bridge) Addr() string {
	addr, _ := br.lnAddr.Load().(string)
	return addr
}

// OnStop closes the server and drops every connected client.
func (br *Bridge) OnStop(ctx context.Context) error {
	var err error
	if br.srv != nil {
		err = br.srv.Shutdown(ctx)
	}
	br.mu.Lock()
	for c := range br.clients {
		c.close()
	}
	br.clients = map[*client]struct{}{}
	br.mu.Unlock()
	return err
}

// forward serializes the envelope, stamps it with a monotonic frame sequence
// number, and fans it out. A client whose send buffer is full is dropped,
// mirroring the bus's own slow-subscriber policy; a stalled browser tab must
// not back-pressure dispatch.
func (br *Bridge) forward(_ context.Context, evt events.Envelope) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("bridge: encoding frame: %w", err)
	}
	data, err = sjson.SetBytes(data, "seq", br.seq.Add(1))
	if err != nil {
		return fmt.Errorf("bridge: stamping frame: %w", err)
	}

	br.mu.Lock()
	defer br.mu.Unlock()
	for c := range br.clients {
		select {
		case c.send <- data:
		default:
			br.log.Warn("dropping slow dashboard client")
			c.close()
			delete(br.clients, c)
		}
	}
	return nil
}

func (br *Bridge) handleWS(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := br.upgrader.Upgrade(w, r, nil)
		if err != nil {
			br.log.Warn("websocket upgrade failed", slogx.Error(err))
			return
		}
		c := &client{
			conn: conn,
			send: make(chan []byte, clientSendBuffer),
			done: make(chan struct{}),
		}
		br.mu.Lock()
		br.clients[c] = struct{}{}
		br.mu.Unlock()

		svc.Go("ws-write", c.writePump)
		br.readLoop(c)

		br.mu.Lock()
		delete(br.clients, c)
		br.mu.Unlock()
		c.close()
	}
}

// readLoop parses inbound command frames. The loop runs on the HTTP
// server's goroutine — foreign territory as far as the bus is concerned —
// so commands go through Post, the bus's thread-safe handoff, never through
// Emit.
func (br *Bridge) readLoop(c *client) {
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		frame := gjson.ParseBytes(msg)
		switch frame.Get("type").String() {
		case "mode/transition/request":
			payload := events.ModeTransitionRequested{
				Target: frame.Get("target").String(),
				Source: "dashboard",
			}
			if err := br.bus.Post(events.TopicModeTransitionRequest, payload); err != nil {
				br.log.Warn("dashboard command rejected", slogx.Error(err))
				c.sendError(err)
			}
		default:
			c.sendError(fmt.Errorf("bridge: unknown command type %q", frame.Get("type").String()))
		}
	}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) writePump(ctx context.Context) {
	for {
		select {
		case data := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			c.close()
			return
		}
	}
}

func (c *client) sendError(err error) {
	data, merr := json.Marshal(map[string]string{"type": "error", "error": err.Error()})
	if merr != nil {
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
	}
}

// close tears the connection down without closing the send channel, so a
// concurrent sender can never hit a closed channel.
func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
