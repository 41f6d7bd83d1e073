// Package detector implements the outbound detector side of the
// GB/T 43229-2023 link: connect, hand-shake, periodic uploads,
// heartbeat, and reconnect on failure.
package detector

import (
	"fmt"
	"log"
	"net"
	"time"

	"github.com/roadsense/detectorbridge/pkg/gbtframe"
	"github.com/roadsense/detectorbridge/pkg/reframer"
)

// State is a detector client's position in its connect/upload state
// machine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateWaitingAck
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateWaitingAck:
		return "waiting-ack"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

const (
	// ConnectRetryInterval gates how often a Disconnected client
	// attempts to reconnect.
	ConnectRetryInterval = 5 * time.Second

	// RealtimeUploadInterval gates per-channel realtime uploads once
	// Ready.
	RealtimeUploadInterval = 2 * time.Second

	// StatisticsUploadInterval gates aggregate statistics uploads once
	// Ready.
	StatisticsUploadInterval = 60 * time.Second

	// HeartbeatLag is how long a Ready/WaitingAck client will go
	// without hearing from the server before giving up and
	// reconnecting.
	HeartbeatLag = 15 * time.Second

	// pollTimeout bounds each blocking read while waiting for inbound
	// frames or the next scheduled emission.
	pollTimeout = 1 * time.Second

	// idleSleep bounds CPU use when there is nothing to do.
	idleSleep = 100 * time.Millisecond
)

// Client drives one outbound session to the signal controller. A
// Client is not safe for concurrent use; Run owns it for its whole
// lifetime.
type Client struct {
	ID           gbtframe.DeviceID
	ControllerID gbtframe.DeviceID
	ServerAddr   string
	Channels     []uint8
	Source       MeasurementSource
	Logger       *log.Logger

	state              State
	conn               net.Conn
	recvBuf            *reframer.Buffer
	lastConnectAttempt time.Time
	lastHeartbeatSeen  time.Time
	lastRealtimeUpload time.Time
	lastStatsUpload    time.Time
	statsAgg           map[uint8]StatsSnapshot
	stopCh             chan struct{}
}

// NewClient builds a Client ready for Run. ControllerID follows the
// source convention of addressing the controller at the same admin
// code, DeviceSignalController, and a fixed serial of 1.
func NewClient(id gbtframe.DeviceID, serverAddr string, channels []uint8, source MeasurementSource) *Client {
	return &Client{
		ID:           id,
		ControllerID: gbtframe.NewDeviceID(id.AdminCode, gbtframe.DeviceSignalController, 1),
		ServerAddr:   serverAddr,
		Channels:     channels,
		Source:       source,
		state:        StateDisconnected,
		statsAgg:     make(map[uint8]StatsSnapshot),
		stopCh:       make(chan struct{}),
	}
}

func (c *Client) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

// Stop causes Run to close the current connection, if any, and return
// on its next iteration.
func (c *Client) Stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
}

// State reports the client's current position in the state machine,
// mainly useful for tests and status reporting.
func (c *Client) State() State { return c.state }

// Run drives the state machine until Stop is called. It never returns
// an error on its own account: every failure mode folds back into
// StateDisconnected and a retry, per the design's "the detector never
// propagates errors out of its loop" rule.
func (c *Client) Run() {
	for {
		select {
		case <-c.stopCh:
			c.closeConn()
			return
		default:
		}

		switch c.state {
		case StateDisconnected:
			c.tryConnect()
		case StateConnecting:
			c.sendSetRequest()
		case StateWaitingAck, StateReady:
			c.pollOnce()
		}

		if c.state == StateDisconnected {
			time.Sleep(idleSleep)
		}
	}
}

func (c *Client) tryConnect() {
	now := time.Now()
	if now.Sub(c.lastConnectAttempt) < ConnectRetryInterval {
		return
	}
	c.lastConnectAttempt = now

	conn, err := net.DialTimeout("tcp", c.ServerAddr, 3*time.Second)
	if err != nil {
		c.logger().Printf("detector: connect to %s failed: %v", c.ServerAddr, err)
		return
	}
	c.conn = conn
	c.recvBuf = reframer.NewBuffer(gbtframe.MaxFrameSize)
	c.lastHeartbeatSeen = now
	c.state = StateConnecting
	c.logger().Printf("detector: connected to %s", c.ServerAddr)
}

func (c *Client) sendSetRequest() {
	table := gbtframe.NewDataTable(c.ID, c.ControllerID, gbtframe.OpSetRequest, gbtframe.ObjCommunication, nil)
	if err := c.send(table); err != nil {
		c.logger().Printf("detector: SET-request failed: %v", err)
		c.disconnect()
		return
	}
	c.state = StateWaitingAck
}

func (c *Client) pollOnce() {
	now := time.Now()
	if now.Sub(c.lastHeartbeatSeen) > HeartbeatLag {
		c.logger().Printf("detector: heartbeat lag exceeded, reconnecting")
		c.disconnect()
		return
	}

	c.conn.SetReadDeadline(now.Add(pollTimeout))
	tmp := make([]byte, c.recvBuf.TailCapacity())
	if len(tmp) == 0 {
		c.recvBuf = reframer.NewBuffer(gbtframe.MaxFrameSize)
		tmp = make([]byte, c.recvBuf.TailCapacity())
	}
	n, err := c.conn.Read(tmp)
	if err != nil {
		if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
			c.logger().Printf("detector: read failed: %v", err)
			c.disconnect()
			return
		}
	} else if n == 0 {
		c.disconnect()
		return
	} else {
		c.recvBuf.Append(tmp[:n])
		c.lastHeartbeatSeen = now
		for {
			frame, ok := c.recvBuf.Next()
			if !ok {
				break
			}
			c.handleFrame(frame)
		}
	}

	if c.state == StateReady {
		c.maybeUpload(now)
	}
}

func (c *Client) handleFrame(frame []byte) {
	table, err := gbtframe.Decode(frame)
	if err != nil {
		c.logger().Printf("detector: decode failed: %v", err)
		return
	}
	c.lastHeartbeatSeen = time.Now()

	switch {
	case table.Object == gbtframe.ObjCommunication && table.Op == gbtframe.OpSetResponse:
		c.state = StateReady
		c.logger().Printf("detector: handshake complete, ready")
	case table.Object == gbtframe.ObjCommunication && table.Op == gbtframe.OpQueryRequest:
		resp := gbtframe.NewDataTable(c.ID, c.ControllerID, gbtframe.OpQueryResponse, gbtframe.ObjCommunication, nil)
		if err := c.send(resp); err != nil {
			c.logger().Printf("detector: heartbeat reply failed: %v", err)
			c.disconnect()
		}
	case table.Op == gbtframe.OpUploadResponse:
		c.logger().Printf("detector: upload acknowledged for object 0x%04x", table.Object)
	case table.Op == gbtframe.OpErrorResponse && len(table.Content) == 1:
		c.logger().Printf("detector: server reported error code %d", table.Content[0])
	default:
		c.logger().Printf("detector: ignoring op=0x%02x object=0x%04x", table.Op, table.Object)
	}
}

func (c *Client) maybeUpload(now time.Time) {
	if now.Sub(c.lastRealtimeUpload) >= RealtimeUploadInterval {
		c.lastRealtimeUpload = now
		c.uploadRealtime()
	}
	if now.Sub(c.lastStatsUpload) >= StatisticsUploadInterval {
		c.lastStatsUpload = now
		c.uploadStats()
	}
}

func (c *Client) uploadRealtime() {
	snapshots := make([]ChannelSnapshot, 0, len(c.Channels))
	for _, ch := range c.Channels {
		snap, err := c.Source.Next(ch)
		if err != nil {
			c.logger().Printf("detector: measurement source failed for channel %d: %v", ch, err)
			continue
		}
		snap.ChannelID = ch
		snapshots = append(snapshots, snap)
		c.statsAgg[ch] = AccumulateStats(c.statsAgg[ch], snap)
	}
	if len(snapshots) == 0 {
		return
	}
	table := gbtframe.NewDataTable(c.ID, c.ControllerID, gbtframe.OpUpload, gbtframe.ObjTrafficRealtime, EncodeRealtimeUpload(snapshots))
	if err := c.send(table); err != nil {
		c.logger().Printf("detector: realtime upload failed: %v", err)
		c.disconnect()
	}
}

func (c *Client) uploadStats() {
	snapshots := make([]StatsSnapshot, 0, len(c.Channels))
	for _, ch := range c.Channels {
		snapshots = append(snapshots, c.statsAgg[ch])
		c.statsAgg[ch] = StatsSnapshot{ChannelID: ch}
	}
	table := gbtframe.NewDataTable(c.ID, c.ControllerID, gbtframe.OpUpload, gbtframe.ObjTrafficStats, EncodeStatsUpload(snapshots))
	if err := c.send(table); err != nil {
		c.logger().Printf("detector: statistics upload failed: %v", err)
		c.disconnect()
	}
}

func (c *Client) send(table gbtframe.DataTable) error {
	framed, err := gbtframe.Encode(table)
	if err != nil {
		return err
	}
	for len(framed) > 0 {
		n, err := c.conn.Write(framed)
		if err != nil {
			return fmt.Errorf("detector: write: %w", err)
		}
		framed = framed[n:]
	}
	return nil
}

func (c *Client) disconnect() {
	c.closeConn()
	c.state = StateDisconnected
}

func (c *Client) closeConn() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
