// Package session implements the single-threaded, readiness-multiplexed
// server side of the GB/T 43229-2023 link: it accepts detector
// connections into a fixed-size slot table, pulls complete frames out
// of each slot's receive buffer, dispatches them by (operation,
// object), polls heartbeats, and reaps stale sessions.
package session

import (
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/roadsense/detectorbridge/pkg/gbtframe"
	"github.com/roadsense/detectorbridge/pkg/reframer"
)

const (
	// MaxClients is the hard cap on concurrently live detector
	// sessions; further accepts are closed immediately once reached.
	MaxClients = 64

	// HeartbeatInterval is how often an Identified slot is polled with
	// a QUERY-request on Communication.
	HeartbeatInterval = 5 * time.Second

	// HeartbeatTimeout reaps a slot that has gone this long without
	// producing any inbound frame.
	HeartbeatTimeout = 15 * time.Second

	// readinessTimeout is the select() wakeup floor that doubles as
	// the resolution of the heartbeat clock.
	readinessTimeout = 1 * time.Second

	// DefaultPort is the controller's default listening port.
	DefaultPort = 40000
)

// Server is a single-threaded detector session manager. It owns the
// slot table and every slot's receive buffer exclusively; Run must not
// be called from more than one goroutine at a time, and nothing else
// may touch a Server concurrently with an in-progress Run.
type Server struct {
	// ID is this controller's own device identity, used as the sender
	// of every response and heartbeat query.
	ID gbtframe.DeviceID

	// Logger receives one line per notable event. Defaults to
	// log.Default() if left nil.
	Logger *log.Logger

	// OnRealtimeUpload, OnStatsUpload and OnStatusUpload are invoked
	// with the raw Content of UPLOAD frames on TrafficRealtime,
	// TrafficStats and DetectorStatus respectively. Parsing that
	// content is outside the framing layer's concern; nil callbacks
	// are simply skipped.
	OnRealtimeUpload func(peer gbtframe.DeviceID, content []byte)
	OnStatsUpload    func(peer gbtframe.DeviceID, content []byte)
	OnStatusUpload   func(peer gbtframe.DeviceID, content []byte)

	// HeartbeatInterval and HeartbeatTimeout override the package
	// defaults of the same name when non-zero; tests use this to cover
	// the reap path without waiting out the real 15-second timeout.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	listener           *net.TCPListener
	listenerFD         int
	slots              [MaxClients]slot
	lastHeartbeatCheck time.Time
	stopCh             chan struct{}
}

// NewServer wraps an already-bound TCP listener. Binding is left to the
// caller (cmd/signalctl) so tests can exercise Server against a
// listener bound to an ephemeral port.
func NewServer(ln *net.TCPListener, id gbtframe.DeviceID) (*Server, error) {
	fd, err := rawFD(ln)
	if err != nil {
		return nil, err
	}
	s := &Server{
		ID:         id,
		listener:   ln,
		listenerFD: fd,
		stopCh:     make(chan struct{}),
	}
	for i := range s.slots {
		s.slots[i].reset()
	}
	return s, nil
}

func (s *Server) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

// Stop causes the next loop iteration of Run to close every live
// session and return. It is safe to call from a signal handler
// goroutine; Run itself is not required to be running concurrently.
func (s *Server) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// Run executes the readiness loop until Stop is called or a fatal
// error occurs on the listener itself. Per-session errors never abort
// the loop; they disconnect that one slot.
func (s *Server) Run() error {
	s.lastHeartbeatCheck = time.Now()
	for {
		select {
		case <-s.stopCh:
			s.closeAll()
			return nil
		default:
		}

		if err := s.iterate(); err != nil {
			return err
		}
	}
}

func (s *Server) iterate() error {
	var readSet unix.FdSet
	fdSetZero(&readSet)
	maxFD := s.listenerFD
	fdSetAdd(&readSet, s.listenerFD)

	for i := range s.slots {
		sl := &s.slots[i]
		if !sl.Live {
			continue
		}
		fdSetAdd(&readSet, sl.fd)
		if sl.fd > maxFD {
			maxFD = sl.fd
		}
	}

	timeout := unix.NsecToTimeval(readinessTimeout.Nanoseconds())
	n, err := unix.Select(maxFD+1, &readSet, nil, nil, &timeout)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return fmt.Errorf("session: select: %w", err)
	}
	if n == 0 {
		s.checkHeartbeats()
		return nil
	}

	if fdSetIsSet(&readSet, s.listenerFD) {
		s.acceptOne()
	}
	for i := range s.slots {
		sl := &s.slots[i]
		if sl.Live && fdSetIsSet(&readSet, sl.fd) {
			s.readSlot(i)
		}
	}

	s.checkHeartbeats()
	return nil
}

func (s *Server) closeAll() {
	for i := range s.slots {
		if s.slots[i].Live {
			s.disconnect(i)
		}
	}
	s.listener.Close()
}

func (s *Server) freeSlot() int {
	for i := range s.slots {
		if !s.slots[i].Live {
			return i
		}
	}
	return -1
}

func (s *Server) acceptOne() {
	conn, err := s.listener.Accept()
	if err != nil {
		s.logger().Printf("session: accept: %v", err)
		return
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return
	}

	idx := s.freeSlot()
	if idx < 0 {
		s.logger().Printf("session: rejecting %s, all %d slots full", conn.RemoteAddr(), MaxClients)
		conn.Close()
		return
	}

	fd, err := rawFD(tcpConn)
	if err != nil {
		s.logger().Printf("session: accept: %v", err)
		conn.Close()
		return
	}

	s.slots[idx].occupy(tcpConn, fd, time.Now())
	s.logger().Printf("session: accepted %s into slot %d", s.slots[idx].PeerAddr, idx)
}

func (s *Server) readSlot(idx int) {
	sl := &s.slots[idx]
	if sl.RecvBuf.TailCapacity() == 0 {
		s.logger().Printf("session: slot %d receive buffer full with no frame boundary, resetting", idx)
		sl.RecvBuf = reframer.NewBuffer(gbtframe.MaxFrameSize)
	}

	tmp := make([]byte, sl.RecvBuf.TailCapacity())
	n, err := sl.Conn.Read(tmp)
	if n == 0 || err != nil {
		s.logger().Printf("session: slot %d disconnected: %v", idx, err)
		s.disconnect(idx)
		return
	}

	sl.RecvBuf.Append(tmp[:n])
	sl.LastHeartbeat = time.Now()

	for {
		frame, ok := sl.RecvBuf.Next()
		if !ok {
			break
		}
		s.processFrame(idx, frame)
	}
}

func (s *Server) disconnect(idx int) {
	sl := &s.slots[idx]
	if sl.Conn != nil {
		sl.Conn.Close()
	}
	sl.reset()
}

func (s *Server) heartbeatInterval() time.Duration {
	if s.HeartbeatInterval != 0 {
		return s.HeartbeatInterval
	}
	return HeartbeatInterval
}

func (s *Server) heartbeatTimeout() time.Duration {
	if s.HeartbeatTimeout != 0 {
		return s.HeartbeatTimeout
	}
	return HeartbeatTimeout
}

func (s *Server) checkHeartbeats() {
	now := time.Now()
	if now.Sub(s.lastHeartbeatCheck) < s.heartbeatInterval() {
		return
	}
	s.lastHeartbeatCheck = now

	for i := range s.slots {
		sl := &s.slots[i]
		if !sl.Live {
			continue
		}
		if sl.Identified {
			if err := s.sendQuery(sl, gbtframe.ObjCommunication, nil); err != nil {
				s.logger().Printf("session: slot %d heartbeat query failed: %v", i, err)
				s.disconnect(i)
				continue
			}
		}
		if sl.heartbeatLagging(now, s.heartbeatTimeout()) {
			s.logger().Printf("session: slot %d heartbeat timeout, reaping", i)
			s.disconnect(i)
		}
	}
}
