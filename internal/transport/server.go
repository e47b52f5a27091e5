package transport

import (
	"bufio"
	"net"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Handler produces the reply payload for one inbound request payload.
//
// Handlers run on their own goroutine per frame so a slow handler cannot
// starve the connection's read loop.
type Handler func(payload []byte) []byte

// Server accepts framed connections from cluster peers and feeds each frame
// to the Handler, writing the reply back under the frame's sequence number.
type Server struct {
	addr    string
	handler Handler

	mu       sync.Mutex
	listener net.Listener
	stopped  bool
	wg       sync.WaitGroup
	stopCh   chan struct{}
}

// NewServer returns a Server bound to addr once Start is called. An addr
// with port 0 binds an ephemeral port; use Addr to discover it.
func NewServer(addr string, handler Handler) *Server {
	return &Server{
		addr:    addr,
		handler: handler,
		stopCh:  make(chan struct{}),
	}
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on '%s'", s.addr)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	log.Infof("Cluster transport listening on '%v'", listener.Addr())

	s.wg.Add(1)
	go s.acceptLoop(listener)

	return nil
}

// Addr returns the listener's bound address.
func (s *Server) Addr() net.Addr {
	defer s.mu.Unlock()
	s.mu.Lock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and waits for in-flight connections to drain.
// Stopping an already stopped server is a no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	listener := s.listener
	s.mu.Unlock()

	close(s.stopCh)

	var err error
	if listener != nil {
		err = listener.Close()
	}

	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				log.Errorf("Failed to accept a transport connection: %v", err)
				continue
			}
		}

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	go func() {
		<-s.stopCh
		conn.Close()
	}()

	reader := bufio.NewReader(conn)

	var writeMu sync.Mutex

	for {
		seq, payload, err := readFrame(reader)
		if err != nil {
			return
		}

		s.wg.Add(1)
		go func(seq uint64, payload []byte) {
			defer s.wg.Done()

			reply := s.handler(payload)

			writeMu.Lock()
			defer writeMu.Unlock()

			if err := writeFrame(conn, seq, reply); err != nil {
				log.Errorf("Failed to write a reply frame to '%v': %v", conn.RemoteAddr(), err)
			}
		}(seq, payload)
	}
}
