package observer

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"boracay.world/internal/observerproto"
	"boracay.world/internal/sim/obstacle"
	"boracay.world/internal/sim/runtime"
	"boracay.world/internal/sim/stream"
)

type Config struct {
	PathQueriesPerSec float64
	PathQueryBurst    int
	MaxSessions       int
	// AllowRemote accepts non-loopback clients. Off by default.
	AllowRemote bool
}

type Server struct {
	rt  *runtime.Runtime
	cfg Config
	log *zap.Logger

	upgrader websocket.Upgrader
	sessions atomic.Int64
}

func NewServer(rt *runtime.Runtime, cfg Config, logger *zap.Logger) *Server {
	if cfg.PathQueriesPerSec <= 0 {
		cfg.PathQueriesPerSec = 5
	}
	if cfg.PathQueryBurst <= 0 {
		cfg.PathQueryBurst = 10
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		rt:  rt,
		cfg: cfg,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Sessions() int { return int(s.sessions.Load()) }

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !s.allowed(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(s.bootstrap())
	}
}

func (s *Server) bootstrap() observerproto.BootstrapResponse {
	cfg := s.rt.StreamConfig()
	resp := observerproto.BootstrapResponse{
		ProtocolVersion: observerproto.Version,
		Tick:            s.rt.CurrentTick(),
		TickRateHz:      s.rt.TickRateHz(),
		MapScale:        s.rt.MapScale(),
		GraphNodes:      s.rt.World().Graph().Len(),
		WorldDigest:     s.rt.World().Digest(),
		ChunkTiles:      cfg.Tiles.ChunkTiles,
		TileSize:        cfg.Tiles.TileSize,
	}
	for _, c := range stream.FeatureCategories {
		resp.Categories = append(resp.Categories, c.String())
	}
	for _, l := range stream.ChunkLayers {
		resp.ChunkLayers = append(resp.ChunkLayers, l.String())
	}
	return resp
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.allowed(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if n := s.sessions.Add(1); n > int64(s.cfg.MaxSessions) {
			s.sessions.Add(-1)
			closeWith(conn, websocket.CloseTryAgainLater, "too many sessions")
			return
		}
		defer s.sessions.Add(-1)

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub observerproto.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			closeWith(conn, websocket.ClosePolicyViolation, "bad subscribe")
			return
		}
		if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
			closeWith(conn, websocket.ClosePolicyViolation, "expected SUBSCRIBE")
			return
		}
		if err := observerproto.ValidateClient(msg); err != nil {
			closeWith(conn, websocket.ClosePolicyViolation, "bad subscribe")
			return
		}
		if err := normalizeSubscribe(&sub); err != nil {
			closeWith(conn, websocket.ClosePolicyViolation, err.Error())
			return
		}

		sess := &session{
			id:      uuid.NewString(),
			drive:   sub.Drive,
			out:     make(chan []byte, 4096),
			limiter: rate.NewLimiter(rate.Limit(s.cfg.PathQueriesPerSec), s.cfg.PathQueryBurst),
		}
		log := s.log.With(zap.String("session", sess.id), zap.String("remote", r.RemoteAddr))

		joinReq := runtime.ObserverJoinRequest{
			SessionID:  sess.id,
			Out:        sess.out,
			Categories: sub.Categories,
			Chunks:     sub.Chunks,
		}
		select {
		case s.rt.ObserverJoin() <- joinReq:
		default:
			closeWith(conn, websocket.CloseTryAgainLater, "server busy")
			return
		}
		defer func() {
			select {
			case s.rt.ObserverLeave() <- sess.id:
			default:
				// Runtime is stopping; nothing else to do.
			}
		}()
		log.Info("observer connected", zap.Bool("drive", sess.drive), zap.Strings("categories", sub.Categories))

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-sess.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			s.dispatch(sess, msg, log)
		}

		cancel()
		closeWith(conn, websocket.CloseNormalClosure, "bye")

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
		log.Info("observer disconnected")
	}
}

type session struct {
	id      string
	drive   bool
	out     chan []byte
	limiter *rate.Limiter
	queries atomic.Uint64
}

// dispatch handles one client message. Unparseable or unknown messages are
// ignored; schema violations and refusals are reported with ERROR.
func (s *Server) dispatch(sess *session, msg []byte, log *zap.Logger) {
	var env observerproto.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return
	}
	if err := observerproto.ValidateClient(msg); err != nil {
		if !errors.Is(err, observerproto.ErrUnknownType) {
			sess.sendError("bad_message", err.Error())
		}
		return
	}
	switch env.Type {
	case observerproto.TypeSubscribe:
		var sub observerproto.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil || sub.ProtocolVersion != observerproto.Version {
			return
		}
		if err := normalizeSubscribe(&sub); err != nil {
			sess.sendError("bad_subscribe", err.Error())
			return
		}
		sess.drive = sub.Drive
		select {
		case s.rt.ObserverSubscribe() <- runtime.ObserverSubscribeRequest{SessionID: sess.id, Categories: sub.Categories, Chunks: sub.Chunks}:
		default:
			// Drop updates under load; the client may resend.
		}

	case observerproto.TypeViewpoint:
		if !sess.drive {
			sess.sendError("not_driver", "subscribe with drive to move the viewpoint")
			return
		}
		var v observerproto.ViewpointMsg
		if err := json.Unmarshal(msg, &v); err != nil {
			return
		}
		s.rt.SetViewpoint(mgl64.Vec2{v.X, v.Y})

	case observerproto.TypeCollidables:
		if !sess.drive {
			sess.sendError("not_driver", "subscribe with drive to publish collidables")
			return
		}
		var c observerproto.CollidablesMsg
		if err := json.Unmarshal(msg, &c); err != nil {
			return
		}
		s.rt.SetCollidables(toCollidables(c.Items))

	case observerproto.TypePathQuery:
		var q observerproto.PathQueryMsg
		if err := json.Unmarshal(msg, &q); err != nil {
			return
		}
		s.submitPath(sess, runtime.PathRequest{
			ID:    q.ID,
			Start: pathNode(q.Start),
			Goal:  pathNode(q.Goal),
		}, log)

	case observerproto.TypePathQueryPos:
		var q observerproto.PathQueryPosMsg
		if err := json.Unmarshal(msg, &q); err != nil {
			return
		}
		s.submitPath(sess, runtime.PathRequest{
			ID:         q.ID,
			ByPosition: true,
			From:       q.From,
			To:         q.To,
		}, log)
	}
}

func (s *Server) submitPath(sess *session, req runtime.PathRequest, log *zap.Logger) {
	if !sess.limiter.Allow() {
		sess.sendError("rate_limited", "too many path queries")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.SessionID = sess.id
	if err := s.rt.SubmitPath(req); err != nil {
		log.Warn("path query dropped", zap.String("query", req.ID), zap.Error(err))
		sess.sendError("busy", err.Error())
		return
	}
	sess.queries.Add(1)
}

func (sess *session) sendError(code, message string) {
	b, err := json.Marshal(observerproto.ErrorMsg{
		Type:            observerproto.TypeError,
		ProtocolVersion: observerproto.Version,
		Code:            code,
		Message:         message,
	})
	if err != nil {
		return
	}
	select {
	case sess.out <- b:
	default:
	}
}

func toCollidables(items []observerproto.Collidable) []obstacle.Collidable {
	out := make([]obstacle.Collidable, 0, len(items))
	for _, it := range items {
		out = append(out, obstacle.Collidable{Extent: it.Extent, Transform: it.Transform})
	}
	return out
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

func (s *Server) allowed(r *http.Request) bool {
	return s.cfg.AllowRemote || isLoopbackRemote(r.RemoteAddr)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
