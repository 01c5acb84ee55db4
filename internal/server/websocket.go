package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/logger"
)

var errTextFrame = errors.New("MQTT over WebSocket requires binary frames")

func (s *Server) startWebSocket() error {
	ln, err := net.Listen("tcp", s.cfg.WebSocket)
	if err != nil {
		return fmt.Errorf("MQTT WebSocket Server Start error: %w", err)
	}
	s.ws = ln

	upgrader := websocket.Upgrader{
		Subprotocols: []string{"mqtt"},
		CheckOrigin:  func(r *http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.WebSocketPath, func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			http.Error(w, "too many connection attempts", http.StatusServiceUnavailable)
			return
		}
		if !s.acquire() {
			http.Error(w, "too many open connections", http.StatusServiceUnavailable)
			return
		}
		defer s.release()

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.WarnF("[%s] WebSocket upgrade failed, details: %v", r.RemoteAddr, err)
			return
		}
		logger.DebugF("Accepted new WebSocket connection from %s", ws.RemoteAddr().String())
		s.handler.ServeConn(&wsConn{ws: ws})
	})

	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	logger.InfoF("MQTT WebSocket Server Listen On %s%s", ln.Addr().String(), s.cfg.WebSocketPath)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorF("WebSocket server error: %v", err)
		}
	}()
	return nil
}

// wsConn presents a WebSocket as a byte stream. Packets may span frames.
type wsConn struct {
	ws      *websocket.Conn
	reader  io.Reader
	writeMu sync.Mutex
}

func (c *wsConn) Read(b []byte) (int, error) {
	for {
		if c.reader == nil {
			messageType, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if messageType != websocket.BinaryMessage {
				return 0, errTextFrame
			}
			c.reader = r
		}
		n, err := c.reader.Read(b)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

var _ net.Conn = (*wsConn)(nil)
