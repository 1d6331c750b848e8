package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zhubert/preview-core/logger"
	"github.com/zhubert/preview-core/stream"
)

// wsMessage is the wire format for the streaming channel, a union over the
// message types: status carries the flat lifecycle fields, output carries the
// line text and its origin stream, error carries a message. Ping/pong use
// only Type.
type wsMessage struct {
	Type string `json:"type"`
	Seq  uint64 `json:"seq,omitempty"`

	// output
	Line     string `json:"line,omitempty"`
	IsStderr bool   `json:"is_stderr,omitempty"`

	// status
	Status       string `json:"status,omitempty"`
	Port         int    `json:"port,omitempty"`
	Pid          int    `json:"pid,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

func statusMessage(st stream.Status) wsMessage {
	return wsMessage{
		Type:         "status",
		Status:       st.State,
		Port:         st.Port,
		Pid:          st.Pid,
		ErrorMessage: st.Error,
	}
}

func outputMessage(line stream.LogLine) wsMessage {
	return wsMessage{
		Type:     "output",
		Seq:      line.Seq,
		Line:     line.Text,
		IsStderr: line.Stream == "stderr",
	}
}

// wsSession is one connected streaming client.
type wsSession struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// send writes one message; writes are serialized because the event pump, the
// keepalive ticker, and pong replies run on different goroutines.
func (ws *wsSession) send(msg wsMessage) error {
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	return ws.conn.WriteJSON(msg)
}

func (ws *wsSession) ping() error {
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	return ws.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

// handleWS upgrades the connection and streams the project's feed: current
// status first, then the retained output, then live events until either side
// goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if _, err := s.sup.Status(id); err != nil {
		writeError(w, statusCodeFor(err), err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WithProject(id).Warn("websocket upgrade failed", "error", err)
		return
	}

	ws := &wsSession{id: uuid.NewString(), conn: conn}
	log := logger.WithProject(id).With("component", "ws", "connID", ws.id)
	log.Debug("streaming session opened", "remote", conn.RemoteAddr().String())

	// Subscribe before reading the status snapshot: a transition published
	// during the handshake then lands on the channel instead of falling
	// between the snapshot and the live stream
	replay, events, cancel := s.hub.Subscribe(id)

	snap, err := s.sup.Status(id)
	if err != nil {
		cancel()
		conn.Close()
		return
	}
	if err := ws.send(statusMessage(snap.StreamStatus())); err != nil {
		cancel()
		conn.Close()
		return
	}
	for _, line := range replay {
		if err := ws.send(outputMessage(line)); err != nil {
			cancel()
			conn.Close()
			return
		}
	}

	done := make(chan struct{})

	// Event pump: live events plus keepalive pings
	go func() {
		ticker := time.NewTicker(s.cfg.PingInterval.Std())
		defer ticker.Stop()

		for {
			select {
			case ev, ok := <-events:
				if !ok {
					// Dropped as a slow subscriber, or unsubscribed
					conn.Close()
					return
				}
				var msg wsMessage
				switch ev.Type {
				case stream.EventOutput:
					msg = outputMessage(*ev.Line)
				case stream.EventStatus:
					msg = statusMessage(*ev.Status)
					msg.Seq = ev.Seq
				case stream.EventError:
					msg = wsMessage{Type: "error", Seq: ev.Seq, Message: ev.Message}
				default:
					continue
				}
				if err := ws.send(msg); err != nil {
					conn.Close()
					return
				}
			case <-ticker.C:
				if err := ws.ping(); err != nil {
					conn.Close()
					return
				}
			case <-done:
				return
			}
		}
	}()

	// Read loop: any traffic extends the deadline; a silent connection dies
	// after PongWait
	pongWait := s.cfg.PongWait.Std()
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Debug("websocket read error", "error", err)
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			if err := ws.send(wsMessage{Type: "pong"}); err != nil {
				break
			}
		}
	}

	close(done)
	cancel()
	conn.Close()
	log.Debug("streaming session closed")
}
