package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// readTimeout bounds how long a peer may take to send its command.
	readTimeout = 30 * time.Second
	// writeTimeout bounds writing the reply.
	writeTimeout = 10 * time.Second
	// maxCommandSize caps a single encoded command.
	maxCommandSize = 1 << 20
)

// Handler consumes decoded commands. A returned error is reported to the peer
// as a failed response; it never stops the server.
type Handler interface {
	HandleCommand(ctx context.Context, cmd Command) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, cmd Command) error

// HandleCommand calls f.
func (f HandlerFunc) HandleCommand(ctx context.Context, cmd Command) error {
	return f(ctx, cmd)
}

// Server accepts commands on a Unix socket. Each connection carries exactly
// one command and one response.
type Server struct {
	addr    string
	handler Handler
	log     zerolog.Logger

	active sync.WaitGroup
	ready  chan struct{}
}

// ServerOpts holds parameters for creating a Server.
type ServerOpts struct {
	Logger  zerolog.Logger
	Addr    string // filesystem path of the Unix socket
	Handler Handler
}

// NewServer creates a Server. Call Listen to start accepting.
func NewServer(opts ServerOpts) (*Server, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("bridge: server: socket address is required")
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("bridge: server: handler is required")
	}
	return &Server{
		addr:    opts.Addr,
		handler: opts.Handler,
		log:     opts.Logger.With().Str("from", "bridge.server").Str("socket", opts.Addr).Logger(),
		ready:   make(chan struct{}),
	}, nil
}

// Ready is closed once the socket is bound and accepting.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Listen binds the socket and runs the accept loop until ctx is cancelled,
// then waits for in-flight commands. A stale socket file is removed first and
// the socket file is removed on return.
func (s *Server) Listen(ctx context.Context) error {
	if err := os.Remove(s.addr); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("bridge: remove stale socket %s: %w", s.addr, err)
	}

	listener, err := net.Listen("unix", s.addr)
	if err != nil {
		return fmt.Errorf("bridge: listen on %s: %w", s.addr, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.addr)
	}()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.log.Info().Msg("command server listening")
	close(s.ready)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Error().Err(err).Msg("accept failed")
			continue
		}

		s.active.Add(1)
		go func() {
			defer s.active.Done()
			s.serveConn(ctx, conn)
		}()
	}

	s.active.Wait()
	s.log.Info().Msg("command server stopped")
	return nil
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(readTimeout))

	var cmd Command
	if err := newDecoder(io.LimitReader(conn, maxCommandSize)).Decode(&cmd); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.reply(conn, fmt.Errorf("bridge: invalid command: %w", err))
		return
	}

	log := s.log.With().Str("command_id", cmd.ID.String()).Str("kind", string(cmd.Kind)).Logger()
	if err := cmd.Validate(); err != nil {
		log.Warn().Err(err).Msg("command rejected")
		s.reply(conn, err)
		return
	}

	if err := s.handler.HandleCommand(ctx, cmd); err != nil {
		log.Error().Err(err).Msg("command failed")
		s.reply(conn, err)
		return
	}
	log.Debug().Msg("command handled")
	s.reply(conn, nil)
}

func (s *Server) reply(conn net.Conn, err error) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	resp := response{OK: err == nil}
	if err != nil {
		resp.Error = err.Error()
	}
	if werr := newEncoder(conn).Encode(resp); werr != nil {
		s.log.Debug().Err(werr).Msg("write response failed")
	}
}
