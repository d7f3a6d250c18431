package twilio

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/harunnryd/callscribe/pkg/broadcast"
	"github.com/harunnryd/callscribe/pkg/codec"
	"github.com/harunnryd/callscribe/pkg/errorsx"
	"github.com/harunnryd/callscribe/pkg/frames"
	"github.com/harunnryd/callscribe/pkg/logging"
	"github.com/harunnryd/callscribe/pkg/metrics"
	"github.com/harunnryd/callscribe/pkg/session"
	"github.com/harunnryd/callscribe/pkg/transports"
)

type Config struct {
	ServerAddr         string   `mapstructure:"addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	MediaPath          string   `mapstructure:"media_path"`
	ObserverPath       string   `mapstructure:"observer_path"`
	StatusCallbackPath string   `mapstructure:"status_path"`
	MetricsPath        string   `mapstructure:"metrics_path"`
	VoiceGreeting      string   `mapstructure:"voice_greeting"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
	// Track selects which media track is transcribed: inbound, outbound or both.
	Track string `mapstructure:"track"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws"
	}
	if c.MediaPath == "" {
		c.MediaPath = "/media"
	}
	if c.ObserverPath == "" {
		c.ObserverPath = "/observer"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	if c.MetricsPath == "" {
		c.MetricsPath = "/metrics"
	}
	if c.Track == "" {
		c.Track = frames.TrackInbound
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Router accepts every websocket connection, classifies it, and sends media
// connections to call sessions and observer connections to the hub.
type Router struct {
	cfg      Config
	registry *session.Registry
	hub      *broadcast.Hub
	upgrader websocket.Upgrader
	log      *slog.Logger
	metrics  metrics.Observer
	promHTTP http.Handler

	mu     sync.Mutex
	server *http.Server
	addr   string
	conns  map[string]*websocket.Conn

	draining atomic.Bool
}

type Option func(*Router)

func WithLogger(l *slog.Logger) Option {
	return func(rt *Router) {
		if l != nil {
			rt.log = logging.NewComponentLogger(l, "router")
		}
	}
}

func WithMetrics(o metrics.Observer) Option {
	return func(rt *Router) {
		if o != nil {
			rt.metrics = o
		}
	}
}

// WithMetricsHandler mounts h on the configured metrics path.
func WithMetricsHandler(h http.Handler) Option {
	return func(rt *Router) {
		rt.promHTTP = h
	}
}

func New(cfg Config, registry *session.Registry, hub *broadcast.Hub, opts ...Option) *Router {
	rt := &Router{
		cfg:      cfg.withDefaults(),
		registry: registry,
		hub:      hub,
		log:      logging.NewComponentLogger(slog.Default(), "router"),
		metrics:  metrics.NoopObserver{},
		conns:    make(map[string]*websocket.Conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    subprotocols,
		},
	}
	rt.upgrader.CheckOrigin = rt.checkOrigin
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

func (rt *Router) Name() string { return "twilio" }

func (rt *Router) Config() Config { return rt.cfg }

func (rt *Router) ReadyFields() map[string]any {
	return map[string]any{
		"addr":                rt.Addr(),
		"webhook_url":         rt.voiceWebhookURL(),
		"status_callback_url": rt.statusCallbackURL(),
	}
}

// Handler returns the HTTP surface: webhooks, websocket endpoints, health and
// metrics.
func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(rt.cfg.VoicePath, rt.handleVoice)
	mux.HandleFunc(rt.cfg.StatusCallbackPath, rt.handleStatusCallback)
	mux.Handle(rt.cfg.WebsocketPath, rt)
	mux.Handle(rt.cfg.MediaPath, rt)
	mux.Handle(rt.cfg.ObserverPath, rt)
	mux.HandleFunc("/health", rt.handleHealth)
	if rt.promHTTP != nil {
		mux.Handle(rt.cfg.MetricsPath, rt.promHTTP)
	}
	return mux
}

func (rt *Router) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ln, err := net.Listen("tcp", rt.cfg.ServerAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", rt.cfg.ServerAddr, err)
	}
	srv := &http.Server{
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           rt.Handler(),
	}
	rt.mu.Lock()
	rt.server = srv
	rt.addr = ln.Addr().String()
	rt.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.log.Error("router_server_error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Addr is the bound listen address once Start has returned.
func (rt *Router) Addr() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.addr != "" {
		return rt.addr
	}
	return rt.cfg.ServerAddr
}

// Shutdown stops accepting connections and webhooks. Live sessions are torn
// down by the registry, not here.
func (rt *Router) Shutdown(ctx context.Context) error {
	rt.draining.Store(true)
	rt.mu.Lock()
	srv := rt.server
	rt.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// connState is created once per connection at classification time and is
// only touched by that connection's read goroutine.
type connState struct {
	id       string
	role     Role
	conn     *websocket.Conn
	remote   string
	log      *slog.Logger
	callID   string
	sess     *session.Session
	observer *broadcast.Observer
	frames   int
	// started is set once a start event has bound the session.
	started bool
	// closeReason overrides the teardown reason when the router ends the
	// connection itself.
	closeReason string
}

// closeDuplicate ends a connection whose start named a call already streaming
// on another connection.
const closeDuplicate = "duplicate_start"

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if rt.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	role := rt.Classify(r)
	conn, err := rt.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rt.log.Debug("upgrade_failed", slog.String("error", err.Error()))
		return
	}
	st := &connState{
		id:     uuid.NewString(),
		role:   role,
		conn:   conn,
		remote: r.RemoteAddr,
	}
	st.log = rt.log.With(slog.String("conn_id", st.id))
	rt.mu.Lock()
	rt.conns[st.id] = conn
	rt.mu.Unlock()
	rt.serveConn(st)
}

// CloseConnections closes every websocket still open. Read loops notice and
// tear down their own state.
func (rt *Router) CloseConnections() int {
	rt.mu.Lock()
	list := make([]*websocket.Conn, 0, len(rt.conns))
	for _, c := range rt.conns {
		list = append(list, c)
	}
	rt.mu.Unlock()
	for _, c := range list {
		_ = c.Close()
	}
	return len(list)
}

// Connections is the number of open websocket connections.
func (rt *Router) Connections() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.conns)
}

func (rt *Router) serveConn(st *connState) {
	defer func() {
		rt.mu.Lock()
		delete(rt.conns, st.id)
		rt.mu.Unlock()
	}()
	defer st.conn.Close()
	defer func() {
		if p := recover(); p != nil {
			err := errorsx.Wrap(fmt.Errorf("connection panic: %v", p), errorsx.ReasonSessionPanic)
			st.log.Error("connection_panic",
				errorsx.Attr(err),
				slog.String("error", err.Error()),
				slog.String("stack", string(debug.Stack())))
			rt.teardown(st, frames.EndError)
		}
	}()

	rt.record("connection_opened", 1, map[string]string{"role": string(st.role)})
	st.log.Info("connection_opened", slog.String("role", string(st.role)), slog.String("remote", st.remote))
	if st.role == RoleObserver {
		rt.attachObserver(st)
	}

	for {
		_, msg, err := st.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				st.log.Debug("connection_read_failed",
					errorsx.ReasonAttr(errorsx.ReasonTransportRead),
					slog.String("error", err.Error()))
			}
			rt.teardown(st, frames.EndTransportClosed)
			return
		}
		if rt.handleMessage(st, msg) {
			reason := frames.EndStop
			if st.closeReason != "" {
				reason = st.closeReason
			}
			rt.teardown(st, reason)
			return
		}
	}
}

// handleMessage routes one inbound message and reports whether the
// connection is finished.
func (rt *Router) handleMessage(st *connState, msg []byte) bool {
	if st.role == RoleObserver {
		if !frames.LooksLikeMediaEvent(msg) {
			rt.handleObserverMessage(st, msg)
			return false
		}
		rt.reclassify(st, msg)
	}
	return rt.handleMedia(st, msg)
}

func (rt *Router) attachObserver(st *connState) {
	obs := broadcast.NewObserver(st.conn, st.remote)
	st.observer = obs
	rt.hub.Add(obs)
	rt.hub.SendTo(obs.ID, frames.EventActiveStreams, frames.ActiveStreams{Streams: rt.registry.Snapshot()})
}

// reclassify moves an observer connection that is actually carrying a media
// stream onto the media path. The triggering message is handled right after.
func (rt *Router) reclassify(st *connState, msg []byte) {
	ev, _ := frames.ParseMediaEvent(msg)
	if st.observer != nil {
		rt.hub.Detach(st.observer.ID)
		st.observer = nil
	}
	st.callID = ev.SalvageCallID()
	if st.callID == "" {
		st.callID = recoveryID()
	}
	st.role = RoleMedia
	st.log.Warn("connection_reclassified",
		slog.String("from", string(RoleObserver)),
		slog.String("to", string(RoleMedia)),
		slog.String("event", ev.Event),
		slog.String("call_id", st.callID))
	rt.record("connection_reclassified", 1, map[string]string{"call_id": st.callID})
}

func (rt *Router) handleObserverMessage(st *connState, msg []byte) {
	var in frames.InboundMessage
	if err := json.Unmarshal(msg, &in); err != nil {
		st.log.Debug("observer_message_ignored", errorsx.ReasonAttr(errorsx.ReasonTransportMalformed))
		return
	}
	if st.observer == nil {
		return
	}
	switch in.Type {
	case frames.EventPing:
		rt.hub.SendTo(st.observer.ID, frames.EventPong, frames.Pong{Timestamp: time.Now()})
	case frames.EventActiveStreams:
		rt.hub.SendTo(st.observer.ID, frames.EventActiveStreams, frames.ActiveStreams{Streams: rt.registry.Snapshot()})
	}
}

func (rt *Router) handleMedia(st *connState, msg []byte) bool {
	ev, err := frames.ParseMediaEvent(msg)
	if err != nil {
		st.log.Debug("media_message_ignored",
			errorsx.ReasonAttr(errorsx.ReasonTransportMalformed),
			slog.String("error", err.Error()))
		return false
	}
	switch ev.Event {
	case frames.MediaConnected:
		st.log.Debug("media_connected", slog.String("protocol", ev.Protocol))
	case frames.MediaStart:
		return rt.handleStart(st, ev)
	case frames.MediaMedia:
		rt.handleAudio(st, ev)
	case frames.MediaStop:
		st.log.Info("media_stop", slog.String("call_id", st.callID), slog.Int("frames", st.frames))
		return true
	}
	return false
}

// handleStart binds the connection to the call named by a start event and
// reports whether the connection must be closed. A start for a call another
// connection already streams is rejected; that connection owns the session.
func (rt *Router) handleStart(st *connState, ev frames.MediaEvent) bool {
	if ev.Start == nil {
		return false
	}
	info := session.StartInfo{StreamSID: ev.Start.StreamSID, Tracks: ev.Start.Tracks}
	if info.StreamSID == "" {
		info.StreamSID = ev.StreamSID
	}
	callID := ev.SalvageCallID()
	if st.sess != nil && st.sess.State() == session.StateActive {
		switch {
		case !st.started:
			// Media arrived first and recovered the session; the start
			// event only fills in its metadata.
			st.sess.UpdateStart(info)
			st.started = true
			return false
		case callID == "" || callID == st.callID:
			rt.rejectStart(st, st.callID, errorsx.Code(errorsx.ReasonSessionDuplicate))
			return false
		}
		st.log.Info("call_switched", slog.String("from", st.callID), slog.String("to", callID))
		st.sess.Stop(frames.EndStop)
		st.sess = nil
	}
	if callID == "" {
		callID = st.callID
	}
	if callID == "" {
		callID = recoveryID()
	}
	s, err := rt.registry.Start(callID, info)
	switch {
	case errors.Is(err, session.ErrSessionExists):
		rt.rejectStart(st, callID, err)
		st.closeReason = closeDuplicate
		return true
	case err != nil:
		st.log.Warn("session_start_failed", slog.String("call_id", callID), slog.String("error", err.Error()))
		return false
	}
	st.sess = s
	st.callID = callID
	st.started = true
	return false
}

func (rt *Router) rejectStart(st *connState, callID string, err error) {
	st.log.Warn("duplicate_start",
		slog.String("call_id", callID),
		errorsx.ReasonAttr(errorsx.ReasonSessionDuplicate),
		slog.String("error", err.Error()))
	rt.record("duplicate_start", 1, map[string]string{"call_id": callID})
}

func (rt *Router) handleAudio(st *connState, ev frames.MediaEvent) {
	if ev.Media == nil || ev.Media.Payload == "" {
		return
	}
	if !rt.acceptTrack(ev.Media.Track) {
		return
	}
	payload, err := base64.StdEncoding.DecodeString(ev.Media.Payload)
	if err != nil {
		st.log.Debug("media_payload_invalid",
			errorsx.ReasonAttr(errorsx.ReasonTransportMalformed),
			slog.String("error", err.Error()))
		return
	}
	if st.sess == nil {
		callID := st.callID
		if callID == "" {
			callID = ev.SalvageCallID()
		}
		if callID == "" {
			callID = recoveryID()
		}
		s, err := rt.registry.Recover(callID, session.StartInfo{StreamSID: ev.StreamSID})
		if err != nil {
			st.log.Warn("session_recover_failed", slog.String("call_id", callID), slog.String("error", err.Error()))
			return
		}
		st.log.Warn("session_recovered", slog.String("call_id", callID))
		st.sess = s
		st.callID = callID
	}
	pcm := codec.Process(payload)
	if !st.sess.PushAudio(pcm, codec.TargetRate) {
		st.log.Debug("audio_dropped", slog.String("call_id", st.callID), slog.String("state", string(st.sess.State())))
		return
	}
	st.frames++
	rt.record("frame_decoded", float64(len(payload)), map[string]string{"call_id": st.callID})
}

// teardown releases whatever the connection holds. It is safe to call more
// than once.
func (rt *Router) teardown(st *connState, reason string) {
	if st.observer != nil {
		rt.hub.Remove(st.observer.ID)
		st.observer = nil
	}
	if st.sess != nil {
		st.sess.Stop(reason)
		st.sess = nil
	}
	st.log.Info("connection_closed", slog.String("role", string(st.role)), slog.String("reason", reason))
	rt.record("connection_closed", 1, map[string]string{"role": string(st.role)})
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	state := "ok"
	if rt.draining.Load() {
		status = http.StatusServiceUnavailable
		state = "draining"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    state,
		"sessions":  rt.registry.Count(),
		"observers": rt.hub.Len(),
	})
}

func (rt *Router) record(name string, value float64, tags map[string]string) {
	metrics.Record(rt.metrics, name, value, tags)
}

var _ transports.Server = (*Router)(nil)

func recoveryID() string {
	return "recovery-" + uuid.NewString()
}
