package session

import (
	"io"
	"time"

	"github.com/roadsense/detectorbridge/pkg/gbtframe"
)

// processFrame decodes one candidate frame and routes it by
// (operation, object) per the dispatch table. Every frame, including
// one that fails to decode, refreshes the slot's heartbeat clock first,
// matching "every inbound frame refreshes last-heartbeat." A decode
// failure sends an ErrorResponse and leaves the slot alive.
func (s *Server) processFrame(idx int, frame []byte) {
	sl := &s.slots[idx]
	sl.LastHeartbeat = time.Now()

	table, err := gbtframe.Decode(frame)
	if err != nil {
		s.logger().Printf("session: slot %d frame decode failed: %v", idx, err)
		_ = s.sendError(sl, gbtframe.CodeOf(err))
		return
	}

	switch {
	case table.Object == gbtframe.ObjCommunication && table.Op == gbtframe.OpSetRequest:
		s.handleSetRequest(idx, table)
	case table.Object == gbtframe.ObjCommunication && table.Op == gbtframe.OpQueryResponse:
		sl.LastHeartbeat = time.Now()
	case table.Object == gbtframe.ObjTrafficRealtime && table.Op == gbtframe.OpUpload:
		if s.OnRealtimeUpload != nil {
			s.OnRealtimeUpload(sl.PeerID, table.Content)
		}
	case table.Object == gbtframe.ObjTrafficStats && table.Op == gbtframe.OpUpload:
		if s.OnStatsUpload != nil {
			s.OnStatsUpload(sl.PeerID, table.Content)
		}
		_ = s.sendResponse(sl, gbtframe.OpUploadResponse, gbtframe.ObjTrafficStats, nil)
	case table.Object == gbtframe.ObjDetectorStatus && table.Op == gbtframe.OpUpload:
		if s.OnStatusUpload != nil {
			s.OnStatusUpload(sl.PeerID, table.Content)
		}
		_ = s.sendResponse(sl, gbtframe.OpUploadResponse, gbtframe.ObjDetectorStatus, nil)
	case table.Object == gbtframe.ObjDeviceTime && table.Op == gbtframe.OpQueryRequest:
		_ = s.sendResponse(sl, gbtframe.OpQueryResponse, gbtframe.ObjDeviceTime, encodeWireTime(time.Now()))
	default:
		s.logger().Printf("session: slot %d ignoring op=0x%02x object=0x%04x", idx, table.Op, table.Object)
	}
}

func (s *Server) handleSetRequest(idx int, table gbtframe.DataTable) {
	sl := &s.slots[idx]
	sl.PeerID = table.Sender
	sl.Identified = true
	s.logger().Printf("session: slot %d identified as %s", idx, sl.PeerID)
	_ = s.sendResponse(sl, gbtframe.OpSetResponse, gbtframe.ObjCommunication, nil)
}

func (s *Server) sendResponse(sl *slot, op gbtframe.Operation, object gbtframe.ObjectID, content []byte) error {
	table := gbtframe.NewDataTable(s.ID, sl.PeerID, op, object, content)
	return s.sendTable(sl, table)
}

func (s *Server) sendQuery(sl *slot, object gbtframe.ObjectID, content []byte) error {
	table := gbtframe.NewDataTable(s.ID, sl.PeerID, gbtframe.OpQueryRequest, object, content)
	return s.sendTable(sl, table)
}

func (s *Server) sendError(sl *slot, code gbtframe.ErrorCode) error {
	table := gbtframe.NewErrorTable(s.ID, sl.PeerID, code)
	return s.sendTable(sl, table)
}

func (s *Server) sendTable(sl *slot, table gbtframe.DataTable) error {
	framed, err := gbtframe.Encode(table)
	if err != nil {
		return err
	}
	return writeAll(sl.Conn, framed)
}

// encodeWireTime packs a timestamp into the protocol's 6-byte time
// record (uint32 seconds, uint16 milliseconds, both little-endian),
// matching pkg/detector's WireTime layout for the DeviceTime object.
func encodeWireTime(t time.Time) []byte {
	buf := make([]byte, 6)
	sec := uint32(t.Unix())
	ms := uint16(t.Nanosecond() / int(time.Millisecond))
	buf[0] = byte(sec)
	buf[1] = byte(sec >> 8)
	buf[2] = byte(sec >> 16)
	buf[3] = byte(sec >> 24)
	buf[4] = byte(ms)
	buf[5] = byte(ms >> 8)
	return buf
}

// writeAll writes every byte of p to w, looping over short writes the
// way the framing design requires of the send helper.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}
