package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	vrelay "github.com/BrownNPC/VoiceRelay"
	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

// Limits applied to every signaling socket.
type ServerOptions struct {
	MaxMessageBytes   int64
	MessagesPerSecond float64
	MessageBurst      int
	// Outbound messages buffered per connection. Sends beyond this are dropped.
	SendQueueSize int
	WriteTimeout  time.Duration
	PingInterval  time.Duration
	// Validate relayed ICE candidates and session descriptions.
	StrictPayloads bool
}

func (o ServerOptions) withDefaults() ServerOptions {
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 64 * 1024
	}
	if o.MessagesPerSecond <= 0 {
		o.MessagesPerSecond = 20
	}
	if o.MessageBurst <= 0 {
		o.MessageBurst = 40
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 2 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 20 * time.Second
	}
	return o
}

// Serverside WebSocket transport for the Hub.
type WebsocketSignalingServer struct {
	opts websocket.AcceptOptions
	cfg  ServerOptions
	hub  *Hub
	Mux  *http.ServeMux
	log  *slog.Logger
}

// Uses Default logger if log is nil.
// Subprotocols in opts default to the JSON and msgpack codecs.
func NewWebsocketSignalingServer(log *slog.Logger, hub *Hub, opts websocket.AcceptOptions, cfg ServerOptions) *WebsocketSignalingServer {
	if log == nil {
		log = slog.Default()
	}
	if len(opts.Subprotocols) == 0 {
		opts.Subprotocols = []string{SubprotocolJSON, SubprotocolMsgpack}
	}
	s := new(WebsocketSignalingServer)
	s.log = log
	s.opts = opts
	s.cfg = cfg.withDefaults()
	s.hub = hub
	s.Mux = new(http.ServeMux)
	s.Mux.HandleFunc("GET /ws", s.serve)
	return s
}

func (s *WebsocketSignalingServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Mux.ServeHTTP(w, r)
}

// GET /ws
func (s *WebsocketSignalingServer) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &s.opts)
	if err != nil {
		s.log.Debug("Failed to accept connection", "error", err)
		return
	}
	// incase it leaks somehow
	defer conn.CloseNow()
	conn.SetReadLimit(s.cfg.MaxMessageBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	codec := CodecFor(conn.Subprotocol())
	peer := &wsPeer{
		conn:    conn,
		codec:   codec,
		queue:   make(chan Outbound, s.cfg.SendQueueSize),
		log:     s.log,
		metrics: s.hub.metrics,
	}
	id := s.hub.Connect(peer)
	log := s.log.With("conn", id)
	// part all channels and release the id once the read loop ends.
	defer s.hub.Disconnect(id)

	go peer.writeLoop(ctx, s.cfg.WriteTimeout, log)
	go s.pingLoop(ctx, conn, log)

	s.readLoop(ctx, conn, codec, id, log)
}

func (s *WebsocketSignalingServer) readLoop(ctx context.Context, conn *websocket.Conn, codec Codec, id vrelay.ConnID, log *slog.Logger) {
	lim := rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.MessageBurst)
	for {
		env, err := ReadEnvelope(ctx, conn, codec)
		if err != nil && !errors.Is(err, ErrInvalidPayload) {
			log.Debug("Connection shutting down", "error", err)
			return
		}
		if !lim.Allow() {
			s.hub.metrics.drop(DropRateLimited)
			conn.Close(websocket.StatusPolicyViolation, "rate limit")
			log.Debug("Conn closed for ratelimit hit")
			return
		}
		// one bad frame only costs the frame.
		if err != nil {
			s.hub.metrics.drop(DropMalformed)
			log.Debug("Dropping undecodable frame", "error", err)
			continue
		}
		msg, err := DecodeInbound(env)
		if err != nil {
			s.hub.metrics.drop(DropMalformed)
			log.Debug("Dropping malformed message", "event", env.Event, "error", err)
			continue
		}
		if s.cfg.StrictPayloads {
			if err := ValidatePayload(msg); err != nil {
				s.hub.metrics.drop(DropInvalidPayload)
				log.Debug("Dropping invalid payload", "event", env.Event, "error", err)
				continue
			}
		}
		s.hub.Handle(id, msg)
	}
}

// Ping loop
func (s *WebsocketSignalingServer) pingLoop(ctx context.Context, conn *websocket.Conn, log *slog.Logger) {
	t := time.NewTicker(s.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		pctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		err := conn.Ping(pctx)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				log.Debug("shutting down ping loop", "error", err)
				conn.CloseNow()
			}
			return
		}
	}
}

// wsPeer is the Sender of one WebSocket connection. Messages are queued and
// written by writeLoop so the hub never waits on the network.
type wsPeer struct {
	conn    *websocket.Conn
	codec   Codec
	queue   chan Outbound
	log     *slog.Logger
	metrics *Metrics
}

func (p *wsPeer) Send(msg Outbound) {
	select {
	case p.queue <- msg:
	default:
		p.metrics.drop(DropQueueFull)
		p.log.Debug("send queue full, dropping message", "event", msg.Event())
	}
}

func (p *wsPeer) writeLoop(ctx context.Context, timeout time.Duration, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.queue:
			if err := WriteMsg(ctx, p.conn, p.codec, msg, timeout); err != nil {
				if ctx.Err() == nil {
					log.Debug("Failed to write message", "event", msg.Event(), "error", err)
					p.conn.CloseNow()
				}
				return
			}
		}
	}
}
