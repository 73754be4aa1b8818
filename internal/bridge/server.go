package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mimolo/operations/internal/ratelimit"
)

const maxRequestBytes = 64 * 1024

// perConnRequestBudget and perConnRequestWindow bound how many requests
// a single bridge connection may submit per window, so one Control
// client cannot flood the action queue (§4.8, §4.9).
const (
	perConnRequestBudget = 50
	perConnRequestWindow = 1 * time.Second
)

// Handler resolves one decoded request into a Response. Implemented by
// the Handlers dispatcher built from the runtime's collaborators.
type Handler interface {
	Handle(ctx context.Context, cmd string, requestID string, raw json.RawMessage, now time.Time) Response
}

// Server is the Command Bridge Server (C8): a local stream socket,
// JSON-line framing, one goroutine per connection (§4.8).
type Server struct {
	socketPath string
	maxConns   int
	handler    Handler
	log        *zap.Logger

	sem       chan struct{}
	limiters  *ratelimit.PerConnLimiters
	nextConnID atomic.Uint64
}

// NewServer constructs a Server. maxConns bounds concurrent connections
// so one long-lived client cannot starve others of a serving slot.
func NewServer(socketPath string, maxConns int, handler Handler, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		maxConns:   maxConns,
		handler:    handler,
		log:        log,
		sem:        make(chan struct{}, maxConns),
		limiters:   ratelimit.NewPerConnLimiters(perConnRequestBudget, perConnRequestWindow),
	}
}

// ListenAndServe binds the socket (removing any stale file first) and
// serves until ctx is cancelled (§6: "Socket file is created with
// owner-only permissions").
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("bridge: remove stale socket %q: %w", s.socketPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("bridge: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("bridge: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()
	defer os.Remove(s.socketPath)

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("bridge: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("command bridge listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("bridge: accept error", zap.Error(err))
				continue
			}
		}

		connID := s.nextConnID.Add(1)

		select {
		case s.sem <- struct{}{}:
			go func(c net.Conn, id uint64) {
				defer func() { <-s.sem }()
				defer c.Close()
				defer s.limiters.Release(id)
				s.serveConn(ctx, c, id)
			}(conn, connID)
		default:
			s.log.Warn("bridge: max connections reached, rejecting")
			_ = conn.Close()
		}
	}
}

// serveConn reads and dispatches one JSON-line request per read,
// writing one response per request, until the client disconnects
// (§4.8: "one long-lived client cannot block others" — achieved
// because every connection is its own goroutine).
func (s *Server) serveConn(ctx context.Context, conn net.Conn, connID uint64) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxRequestBytes)
	w := bufio.NewWriter(conn)
	limiter := s.limiters.Get(connID)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		resp := s.dispatchLine(ctx, line, limiter)
		data, err := json.Marshal(resp)
		if err != nil {
			continue
		}
		data = append(data, '\n')
		if _, err := w.Write(data); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) dispatchLine(ctx context.Context, line []byte, limiter *ratelimit.Bucket) Response {
	now := time.Now()
	var req rawRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return errResponse("", "", ErrUnknownCommand, now)
	}
	if req.Cmd == "" {
		return errResponse("", req.RequestID, ErrUnknownCommand, now)
	}
	if !limiter.Allow() {
		return errResponse(req.Cmd, req.RequestID, ErrPreconditionFailed, now)
	}
	return s.handler.Handle(ctx, req.Cmd, req.RequestID, json.RawMessage(line), now)
}
