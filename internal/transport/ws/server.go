package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"simcal.ai/internal/protocol"
	"simcal.ai/internal/sim/runner"
)

const (
	handshakeTimeout = 5 * time.Second
	readTimeout      = 60 * time.Second
	writeTimeout     = 5 * time.Second
)

// Server speaks the simulation namespace protocol: HELLO/WELCOME, then EVENT frames out and
// control messages in.
type Server struct {
	hub      *Hub
	commands runner.CommandSender
	log      *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(hub *Hub, commands runner.CommandSender, logger *log.Logger) *Server {
	return &Server{
		hub:      hub,
		commands: commands,
		log:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		c := s.handshake(conn)
		if c == nil {
			return
		}
		defer s.hub.detach(c.id)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		replies := make(chan []byte, 16)

		// Writer goroutine.
		writeDone := make(chan struct{})
		go func() {
			defer close(writeDone)
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-replies:
					if err := writeRaw(conn, b); err != nil {
						cancel()
						return
					}
				case b, ok := <-c.out:
					if !ok {
						// Hub closed or session detached.
						_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
						_ = conn.Close()
						return
					}
					if err := writeRaw(conn, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			reply := s.handleCommand(c.id, msg)
			b, err := json.Marshal(reply)
			if err != nil {
				continue
			}
			select {
			case replies <- b:
			default:
				// Client is not reading; drop the reply.
			}
		}

		cancel()
		select {
		case <-writeDone:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (s *Server) handshake(conn *websocket.Conn) *client {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.ValidateClient(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return nil
	}

	c, err := s.hub.attach()
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server stopping"), time.Now().Add(time.Second))
		return nil
	}
	// Attached before WELCOME so no event published after it is missed; the
	// writer goroutine only starts once WELCOME is on the wire.
	if err := writeJSON(conn, protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       c.id,
		Namespace:       s.hub.Namespace(),
		Auth:            hello.Auth,
	}); err != nil {
		s.hub.detach(c.id)
		return nil
	}
	s.logf("ws session %s connected name=%q", c.id, hello.ClientName)
	return c
}

// handleCommand validates one client message and forwards it to the simulation.
func (s *Server) handleCommand(sessionID string, msg []byte) any {
	base, err := protocol.ValidateClient(msg)
	if err != nil {
		return errorMsg(protocol.CodeFor(err), err.Error(), "")
	}
	if base.ProtocolVersion != protocol.Version {
		return errorMsg(protocol.ErrProtoVersion, "bad protocol_version", "")
	}

	var cmd runner.Command
	var ref, text string
	switch base.Type {
	case protocol.TypeSetTargetRate:
		var m protocol.SetTargetRateMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return errorMsg(protocol.ErrProtoBadRequest, err.Error(), "")
		}
		cmd, ref, text = runner.SetTargetRate(m.TargetRate), m.ReqID, protocol.AckChangingRate
	case protocol.TypePause, protocol.TypeResume:
		var m protocol.ControlMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return errorMsg(protocol.ErrProtoBadRequest, err.Error(), "")
		}
		ref = m.ReqID
		if base.Type == protocol.TypePause {
			cmd, text = runner.Pause(), "Pausing"
		} else {
			cmd, text = runner.Resume(), "Resuming"
		}
	default:
		return errorMsg(protocol.ErrBadRequest, "unexpected "+base.Type, "")
	}

	if err := s.commands.Send(cmd); err != nil {
		if errors.Is(err, runner.ErrMailboxClosed) {
			return errorMsg(protocol.ErrUnavailable, "simulation stopped", ref)
		}
		return errorMsg(protocol.ErrInternal, err.Error(), ref)
	}
	s.logf("ws session %s: %s", sessionID, cmd.Kind)
	return protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		AckFor:          base.Type,
		Ref:             ref,
		Message:         text,
	}
}

func errorMsg(code, message, ref string) protocol.ErrorMsg {
	return protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         message,
		Ref:             ref,
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeRaw(conn, b)
}

func writeRaw(conn *websocket.Conn, b []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}
