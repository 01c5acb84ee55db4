// Package server accepts MQTT connections over TCP and WebSocket and hands them to the broker.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/config"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/logger"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"
)

// ConnHandler serves one connection until it is closed.
type ConnHandler interface {
	ServeConn(conn net.Conn)
}

type Server struct {
	cfg     config.Listeners
	handler ConnHandler

	// sem bounds open sockets, including those that have not sent CONNECT yet
	sem     chan struct{}
	limiter *rate.Limiter

	tcp  net.Listener
	ws   net.Listener
	http *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	closed *atomic.Bool
	wg     sync.WaitGroup
}

func New(cfg config.Listeners, handler ConnHandler) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		closed:  atomic.NewBool(false),
	}
	if limit := config.Value(cfg.MaxConnections); limit > 0 {
		// the broker answers CONNACK 0x03 above max_connections, leave room for it
		s.sem = make(chan struct{}, 2*limit)
	}
	if cfg.AcceptRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), cfg.AcceptRate)
	}
	return s
}

// Start opens the configured listeners. An empty address disables a listener.
func (s *Server) Start() error {
	if s.cfg.TCP != "" {
		ln, err := net.Listen("tcp", s.cfg.TCP)
		if err != nil {
			return fmt.Errorf("MQTT Server Start error: %w", err)
		}
		s.tcp = ln
		logger.InfoF("MQTT Server Listen On %s", ln.Addr().String())
		s.wg.Add(1)
		go s.serve(ln)
	}
	if s.cfg.WebSocket != "" {
		if err := s.startWebSocket(); err != nil {
			_ = s.Close()
			return err
		}
	}
	return nil
}

func (s *Server) serve(ln net.Listener) {
	defer s.wg.Done()
	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(s.ctx); err != nil {
				return
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.closed.Load() {
				return
			}
			logger.ErrorF("Accept connection error: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		logger.DebugF("Accepted new connection from %s", conn.RemoteAddr().String())
		if !s.acquire() {
			logger.WarnF("[%s] Too many open connections, closing", conn.RemoteAddr().String())
			_ = conn.Close()
			continue
		}
		go func(c net.Conn) {
			defer s.release()
			s.handler.ServeConn(c)
		}(conn)
	}
}

func (s *Server) acquire() bool {
	if s.sem == nil {
		return true
	}
	select {
	case s.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) release() {
	if s.sem != nil {
		<-s.sem
	}
}

// TCPAddr returns the bound TCP address, nil when the listener is disabled.
func (s *Server) TCPAddr() net.Addr {
	if s.tcp == nil {
		return nil
	}
	return s.tcp.Addr()
}

func (s *Server) WebSocketAddr() net.Addr {
	if s.ws == nil {
		return nil
	}
	return s.ws.Addr()
}

// Close stops accepting connections. Open connections are closed by the broker shutdown.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	var errs []error
	if s.tcp != nil {
		if err := s.tcp.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if s.http != nil {
		if err := s.http.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.wg.Wait()
	logger.Info("MQTT Server listeners closed")
	return errors.Join(errs...)
}

// Invoke lets the server be registered as a shutdown hook.
func (s *Server) Invoke(_ context.Context) error {
	return s.Close()
}
