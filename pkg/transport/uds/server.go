package uds

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

// writeTimeout bounds a single write to a client so a stalled reader
// cannot hold up broadcasts.
const writeTimeout = 5 * time.Second

// HandlerFunc answers one request. The returned value becomes the response
// payload; an error becomes an error response.
type HandlerFunc func(ctx context.Context, req Message) (any, error)

// Server accepts NDJSON requests on a Unix socket. Requests on one
// connection are handled concurrently and answered by ID.
type Server struct {
	socketPath string
	listener   net.Listener
	handlers   map[string]HandlerFunc
	clients    map[*serverConn]struct{}
	mu         sync.RWMutex
	logger     *slog.Logger
	ready      chan struct{}
}

// serverConn serializes writes from handlers and broadcasts.
type serverConn struct {
	net.Conn
	wmu sync.Mutex
}

// NewServer returns a server for socketPath. It does not listen until Start.
func NewServer(socketPath string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		handlers:   make(map[string]HandlerFunc),
		clients:    make(map[*serverConn]struct{}),
		logger:     logger,
		ready:      make(chan struct{}),
	}
}

// Ready is closed once the socket is listening.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Handle registers a handler for a method. Register before Start.
func (s *Server) Handle(method string, h HandlerFunc) {
	s.mu.Lock()
	s.handlers[method] = h
	s.mu.Unlock()
}

// Start begins listening. It removes any stale socket file first and blocks
// until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.socketPath, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	close(s.ready)
	s.logger.Info("listening", "socket", s.socketPath)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("accept", "err", err)
			continue
		}
		sc := &serverConn{Conn: conn}
		s.mu.Lock()
		s.clients[sc] = struct{}{}
		s.mu.Unlock()
		go s.handleConn(ctx, sc)
	}
}

// Broadcast writes an event to every connected client. Write failures
// only affect the failing client.
func (s *Server) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("encode event", "method", msg.Method, "err", err)
		return
	}
	line := append(data, '\n')

	s.mu.RLock()
	conns := make([]*serverConn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		if err := c.write(line); err != nil {
			s.logger.Debug("event not delivered", "method", msg.Method, "err", err)
		}
	}
}

// SocketPath returns the path the server listens on.
func (s *Server) SocketPath() string { return s.socketPath }

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Shutdown closes the listener and every client and removes the socket file.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for c := range s.clients {
		c.Close()
	}
	s.mu.Unlock()
	os.Remove(s.socketPath)
}

func (s *Server) handleConn(ctx context.Context, conn *serverConn) {
	var inflight sync.WaitGroup
	defer func() {
		inflight.Wait()
		conn.Close()
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxMessageSize)

	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			s.logger.Warn("malformed request", "err", err)
			continue
		}
		if msg.Type != MsgTypeReq {
			continue
		}
		inflight.Go(func() { s.dispatch(ctx, conn, msg) })
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn("connection read", "err", err)
	}
}

func (s *Server) dispatch(ctx context.Context, conn *serverConn, req Message) {
	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		s.reply(conn, NewErrorResponse(req.ID, req.Method, fmt.Sprintf("unknown method: %s", req.Method)))
		return
	}

	result, err := handler(ctx, req)
	if err != nil {
		s.reply(conn, NewErrorResponse(req.ID, req.Method, err.Error()))
		return
	}
	resp, err := NewResponse(req.ID, req.Method, result)
	if err != nil {
		resp = NewErrorResponse(req.ID, req.Method, fmt.Sprintf("encode response: %v", err))
	}
	s.reply(conn, resp)
}

func (s *Server) reply(conn *serverConn, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("encode response", "method", msg.Method, "err", err)
		return
	}
	if err := conn.write(append(data, '\n')); err != nil {
		s.logger.Warn("response not delivered", "method", msg.Method, "err", err)
	}
}

func (c *serverConn) write(line []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := c.Write(line)
	return err
}
