package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/obsdeck/backoffice/encoding"
	"github.com/obsdeck/backoffice/replica"
	"github.com/rs/zerolog/log"
)

// wsPeer is a connected WebSocket replica
type wsPeer struct {
	session   *replica.Session
	remote    string
	encoding  string
	connected time.Time
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	codec := s.codec
	if name := r.URL.Query().Get("encoding"); name != "" {
		c, err := encoding.CodecFor(name)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		codec = c
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the request.
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	session := replica.NewSession(s.loop, codec, "ws", s.repl.SendBuffer)
	s.sessions.Store(session.ID(), &wsPeer{
		session:   session,
		remote:    r.RemoteAddr,
		encoding:  codec.Name(),
		connected: time.Now(),
	})
	defer s.sessions.Delete(session.ID())

	log.Info().
		Uint64("session", session.ID()).
		Str("remote", r.RemoteAddr).
		Str("encoding", codec.Name()).
		Msg("Replica connected")

	runErr := make(chan error, 1)
	go func() {
		runErr <- session.Run(ctx)
	}()

	go s.readLoop(conn, cancel)

	err = s.writeLoop(conn, session, codec, cancel)
	if err == nil {
		err = <-runErr
	} else {
		<-runErr
	}
	s.closeWith(conn, err)

	log.Info().
		Err(err).
		Uint64("session", session.ID()).
		Str("state", session.State().String()).
		Msg("Replica disconnected")
}

// readLoop discards client frames; replicas only listen. It keeps the read
// deadline moving on pongs and cancels the session once the peer goes away.
func (s *Server) readLoop(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	grace := 2 * s.pingInterval()
	conn.SetReadDeadline(time.Now().Add(grace))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(grace))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop forwards session messages until the session closes its queue
// (nil is returned) or a write fails.
func (s *Server) writeLoop(conn *websocket.Conn, session *replica.Session, codec encoding.Codec, cancel context.CancelFunc) error {
	frame := websocket.TextMessage
	if codec.Name() == "msgpack" {
		frame = websocket.BinaryMessage
	}

	ping := time.NewTicker(s.pingInterval())
	defer ping.Stop()

	for {
		select {
		case msg, ok := <-session.Messages():
			if !ok {
				return nil
			}
			conn.SetWriteDeadline(time.Now().Add(s.writeTimeout()))
			if err := conn.WriteMessage(frame, msg); err != nil {
				cancel()
				return err
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout())); err != nil {
				cancel()
				return err
			}
		}
	}
}

func (s *Server) closeWith(conn *websocket.Conn, err error) {
	code, text := websocket.CloseNormalClosure, ""
	switch {
	case errors.Is(err, replica.ErrSlowConsumer):
		code, text = websocket.CloseTryAgainLater, err.Error()
	case errors.Is(err, replica.ErrHubClosed), s.ctx.Err() != nil:
		code, text = websocket.CloseGoingAway, "server shutting down"
	case errors.Is(err, context.Canceled):
	case err != nil:
		code, text = websocket.CloseInternalServerErr, err.Error()
	}
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(s.writeTimeout()))
}

func (s *Server) writeTimeout() time.Duration {
	if s.repl.WriteTimeoutMS < 1 {
		return 5 * time.Second
	}
	return time.Duration(s.repl.WriteTimeoutMS) * time.Millisecond
}

func (s *Server) pingInterval() time.Duration {
	if s.repl.PingIntervalMS < 1 {
		return 20 * time.Second
	}
	return time.Duration(s.repl.PingIntervalMS) * time.Millisecond
}
