package session

import (
	"net"
	"time"

	"github.com/roadsense/detectorbridge/pkg/gbtframe"
	"github.com/roadsense/detectorbridge/pkg/reframer"
)

// slot is one entry in the server's fixed-size client table. It is
// either free (Conn nil, Live false) or live (Conn set, Live true,
// RecvBuf valid); there is no third state at the storage level, though
// Identified tracks whether a SET-request on Communication has been
// seen yet.
type slot struct {
	Conn          *net.TCPConn
	fd            int
	PeerAddr      string
	PeerID        gbtframe.DeviceID
	Identified    bool
	LastHeartbeat time.Time
	RecvBuf       *reframer.Buffer
	Live          bool
}

func (s *slot) reset() {
	s.Conn = nil
	s.fd = -1
	s.PeerAddr = ""
	s.PeerID = gbtframe.DeviceID{}
	s.Identified = false
	s.LastHeartbeat = time.Time{}
	s.RecvBuf = nil
	s.Live = false
}

func (s *slot) occupy(conn *net.TCPConn, fd int, now time.Time) {
	s.Conn = conn
	s.fd = fd
	s.PeerAddr = conn.RemoteAddr().String()
	s.Identified = false
	s.LastHeartbeat = now
	s.RecvBuf = reframer.NewBuffer(gbtframe.MaxFrameSize)
	s.Live = true
}

// heartbeatLagging reports whether this slot has gone quiet for longer
// than timeout, the signal to reap it.
func (s *slot) heartbeatLagging(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastHeartbeat) > timeout
}
