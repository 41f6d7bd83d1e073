package session

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roadsense/detectorbridge/pkg/gbtframe"
)

func newLoopbackServer(t *testing.T) (*Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	tcpLn := ln.(*net.TCPListener)

	id := gbtframe.NewDeviceID(0x000001, gbtframe.DeviceSignalController, 0x0001)
	srv, err := NewServer(tcpLn, id)
	require.NoError(t, err)

	go srv.Run()
	t.Cleanup(srv.Stop)

	return srv, tcpLn.Addr().String()
}

func readFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, gbtframe.MaxFrameSize)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return buf[:n]
}

func TestServerIdentifiesOnSetRequest(t *testing.T) {
	_, addr := newLoopbackServer(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	detector := gbtframe.NewDeviceID(0x123456, gbtframe.DeviceMagnetic, 0x0002)
	controller := gbtframe.NewDeviceID(0x000001, gbtframe.DeviceSignalController, 0x0001)
	setReq := gbtframe.NewDataTable(detector, controller, gbtframe.OpSetRequest, gbtframe.ObjCommunication, nil)
	framed, err := gbtframe.Encode(setReq)
	require.NoError(t, err)

	_, err = conn.Write(framed)
	require.NoError(t, err)

	resp := readFrame(t, conn)
	table, err := gbtframe.Decode(resp)
	require.NoError(t, err)
	assert.Equal(t, gbtframe.OpSetResponse, table.Op)
	assert.Equal(t, gbtframe.ObjCommunication, table.Object)
}

func TestServerAcksStatsUpload(t *testing.T) {
	_, addr := newLoopbackServer(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	detector := gbtframe.NewDeviceID(0x123456, gbtframe.DeviceVideo, 0x0003)
	controller := gbtframe.NewDeviceID(0x000001, gbtframe.DeviceSignalController, 0x0001)

	setReq := gbtframe.NewDataTable(detector, controller, gbtframe.OpSetRequest, gbtframe.ObjCommunication, nil)
	framed, err := gbtframe.Encode(setReq)
	require.NoError(t, err)
	_, err = conn.Write(framed)
	require.NoError(t, err)
	_ = readFrame(t, conn) // SET-response

	upload := gbtframe.NewDataTable(detector, controller, gbtframe.OpUpload, gbtframe.ObjTrafficStats, []byte{0x01, 0x02})
	framed, err = gbtframe.Encode(upload)
	require.NoError(t, err)
	_, err = conn.Write(framed)
	require.NoError(t, err)

	resp := readFrame(t, conn)
	table, err := gbtframe.Decode(resp)
	require.NoError(t, err)
	assert.Equal(t, gbtframe.OpUploadResponse, table.Op)
	assert.Equal(t, gbtframe.ObjTrafficStats, table.Object)
}

func TestServerSendsErrorResponseOnCorruptFrame(t *testing.T) {
	_, addr := newLoopbackServer(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	detector := gbtframe.NewDeviceID(0x123456, gbtframe.DeviceRadar, 0x0004)
	controller := gbtframe.NewDeviceID(0x000001, gbtframe.DeviceSignalController, 0x0001)
	upload := gbtframe.NewDataTable(detector, controller, gbtframe.OpUpload, gbtframe.ObjTrafficRealtime, []byte{0x01, 0x02, 0x03})
	framed, err := gbtframe.Encode(upload)
	require.NoError(t, err)
	framed[len(framed)-2] ^= 0xFF
	framed[len(framed)-3] ^= 0xFF

	_, err = conn.Write(framed)
	require.NoError(t, err)

	resp := readFrame(t, conn)
	table, err := gbtframe.Decode(resp)
	require.NoError(t, err)
	assert.Equal(t, gbtframe.OpErrorResponse, table.Op)
	require.Len(t, table.Content, 1)
	assert.Equal(t, byte(gbtframe.ErrCodeCRC), table.Content[0])
}

func TestServerRejectsConnectionsBeyondMaxClients(t *testing.T) {
	srv, addr := newLoopbackServer(t)

	var conns []net.Conn
	for i := 0; i < MaxClients; i++ {
		c, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		conns = append(conns, c)
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	// Give the server's select loop a moment to accept all of them.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		full := true
		for i := range srv.slots {
			if !srv.slots[i].Live {
				full = false
				break
			}
		}
		if full {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	overflow, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer overflow.Close()

	overflow.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 16)
	_, err = overflow.Read(buf)
	assert.Error(t, err, "the 65th connection should be closed rather than occupy a slot")
}

func TestServerReapsSlotOnHeartbeatTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	tcpLn := ln.(*net.TCPListener)

	id := gbtframe.NewDeviceID(0x000001, gbtframe.DeviceSignalController, 0x0001)
	srv, err := NewServer(tcpLn, id)
	require.NoError(t, err)
	srv.HeartbeatInterval = 50 * time.Millisecond
	srv.HeartbeatTimeout = 200 * time.Millisecond

	go srv.Run()
	t.Cleanup(srv.Stop)
	addr := tcpLn.Addr().String()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	detector := gbtframe.NewDeviceID(0x123456, gbtframe.DeviceCoil, 0x0005)
	setReq := gbtframe.NewDataTable(detector, id, gbtframe.OpSetRequest, gbtframe.ObjCommunication, nil)
	framed, err := gbtframe.Encode(setReq)
	require.NoError(t, err)
	_, err = conn.Write(framed)
	require.NoError(t, err)
	_ = readFrame(t, conn) // SET-response

	findSlot := func() int {
		for i := range srv.slots {
			if srv.slots[i].Live && srv.slots[i].Identified {
				return i
			}
		}
		return -1
	}
	require.Eventually(t, func() bool { return findSlot() >= 0 }, time.Second, 10*time.Millisecond)
	idx := findSlot()

	// Stop answering heartbeats; the slot should be reaped once it
	// goes quiet for longer than HeartbeatTimeout.
	require.Eventually(t, func() bool {
		return !srv.slots[idx].Live
	}, 2*time.Second, 10*time.Millisecond, "slot should be reaped after heartbeat timeout")
}
