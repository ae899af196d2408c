package control

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/fabiohfernandes/Matchmaker/internal/engine"
	"github.com/fabiohfernandes/Matchmaker/internal/protocol"
	"github.com/fabiohfernandes/Matchmaker/pkg/logging"
)

const readBufferSize = 64 * 1024

// Server accepts long-lived TCP control connections from stream nodes.
// Each payload read is one JSON message. The engine only ever sees an
// opaque connection id, never the socket.
type Server struct {
	logger logging.Logger
	eng    *engine.Engine

	listener net.Listener
	wg       sync.WaitGroup
	closed   atomic.Bool
	nextConn atomic.Int64

	mu    sync.Mutex
	conns map[int64]net.Conn
	nodes map[int64]string // connection id -> node id
}

// NewServer creates a control server bound to the engine.
func NewServer(logger logging.Logger, eng *engine.Engine) *Server {
	return &Server{
		logger: logger,
		eng:    eng,
		conns:  make(map[int64]net.Conn),
		nodes:  make(map[int64]string),
	}
}

// Listen binds the control port and starts the accept loop.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.WithField("addr", ln.Addr().String()).Info("Node control listener started")
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return
			}
			s.logger.WithError(err).Warn("Control accept failed")
			continue
		}
		connID := s.nextConn.Add(1)

		s.mu.Lock()
		s.conns[connID] = conn
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(connID, conn)
	}
}

func (s *Server) handleConn(connID int64, conn net.Conn) {
	defer s.wg.Done()
	defer s.release(connID, conn)

	remote := conn.RemoteAddr().String()
	buf := make([]byte, readBufferSize)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		msg, err := protocol.Decode(buf[:n])
		if err != nil {
			s.logger.WithError(err).WithField("remote", remote).Warn("Closing control connection: bad message")
			return
		}

		s.mu.Lock()
		nodeID, registered := s.nodes[connID]
		s.mu.Unlock()

		if !registered {
			// First message must be connect.
			if err := protocol.ValidateConnect(msg); err != nil {
				s.logger.WithError(err).WithField("remote", remote).Warn("Closing control connection: no connect handshake")
				return
			}
			nodeID = s.eng.RegisterNode(msg)
			s.mu.Lock()
			s.nodes[connID] = nodeID
			s.mu.Unlock()
		} else {
			if msg.Type == protocol.TypeConnect {
				// Re-register over the same connection replaces the node.
				s.eng.UnregisterNode(nodeID)
				if err := protocol.ValidateConnect(msg); err != nil {
					s.logger.WithError(err).WithField("remote", remote).Warn("Closing control connection: invalid re-connect")
					return
				}
				nodeID = s.eng.RegisterNode(msg)
				s.mu.Lock()
				s.nodes[connID] = nodeID
				s.mu.Unlock()
			} else {
				s.eng.UpdateNode(nodeID, msg)
			}
		}

		// Node state may have freed or produced capacity.
		s.eng.DrainQueue()
	}
}

// release drops the connection→node binding and unregisters the node.
func (s *Server) release(connID int64, conn net.Conn) {
	_ = conn.Close()

	s.mu.Lock()
	nodeID, ok := s.nodes[connID]
	delete(s.nodes, connID)
	delete(s.conns, connID)
	s.mu.Unlock()

	if ok {
		s.eng.UnregisterNode(nodeID)
	}
}

// Close stops accepting, closes all node connections, and waits for
// handler goroutines to exit.
func (s *Server) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.mu.Lock()
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}
