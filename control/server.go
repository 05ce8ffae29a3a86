package control

import (
	"net"
	"os"

	"github.com/google/uuid"

	"github.com/az143/finit/log"
	"github.com/az143/finit/loop"
)

// Handler executes one parsed command and returns the response to send
// back. It is always invoked on the event loop goroutine.
type Handler func(cmd Cmd, payload []byte) (Status, []byte)

// Server listens on a fixed-path Unix socket and dispatches every parsed
// request onto the event loop; connection I/O itself runs on its own
// goroutine per connection so the loop is never blocked on a slow peer.
type Server struct {
	path       string
	l          *loop.Loop
	logger     *log.Logger
	handler    Handler
	allowedGID int
	hasGID     bool

	ln net.Listener
}

// NewServer builds a control socket server at path. lgr may be nil.
func NewServer(path string, l *loop.Loop, lgr *log.Logger) *Server {
	if lgr == nil {
		lgr = log.NewDiscardLogger()
	}
	return &Server{path: path, l: l, logger: lgr}
}

// SetHandler installs the command dispatcher.
func (s *Server) SetHandler(h Handler) { s.handler = h }

// AllowGroup authorizes peers whose effective gid matches, in addition
// to uid 0.
func (s *Server) AllowGroup(gid int) {
	s.allowedGID = gid
	s.hasGID = true
}

// Listen creates the socket and starts accepting connections in the
// background. Any stale socket file at path is removed first.
func (s *Server) Listen() error {
	_ = os.Remove(s.path)
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	s.ln = ln
	go s.acceptLoop()
	return nil
}

// Close stops accepting connections and removes the socket file.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	_ = os.Remove(s.path)
	return err
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		uc, ok := conn.(*net.UnixConn)
		if !ok {
			conn.Close()
			continue
		}
		go s.serveConn(uc)
	}
}

func (s *Server) serveConn(conn *net.UnixConn) {
	defer conn.Close()

	connID := uuid.New()

	if !s.authorized(conn) {
		s.logger.Warn("rejecting unauthorized control connection", log.KV("conn", connID.String()))
		resp := Response{Status: StatusPermissionDenied}
		_ = resp.Write(conn)
		return
	}

	for {
		var req Request
		if err := req.Read(conn); err != nil {
			return
		}
		s.logger.Debug("control request", log.KV("conn", connID.String()), log.KV("cmd", req.Cmd.String()))

		type result struct {
			status  Status
			payload []byte
		}
		resCh := make(chan result, 1)
		s.l.Post(func() {
			if s.handler == nil {
				resCh <- result{status: StatusUnknownCommand}
				return
			}
			st, pl := s.handler(req.Cmd, req.Payload)
			resCh <- result{status: st, payload: pl}
		})
		res := <-resCh

		resp := Response{Status: res.status, Payload: res.payload}
		if err := resp.Write(conn); err != nil {
			return
		}
	}
}
