package gbtframe

import "fmt"

// DataTable is the application-layer payload carried inside a framed
// transmission, independent of framing and escaping.
type DataTable struct {
	// LinkAddr is reserved and always 0x0000 on the wire; Decode
	// rejects any other value.
	LinkAddr uint16
	Sender   DeviceID
	Receiver DeviceID
	Version  byte
	Op       Operation
	Object   ObjectID
	Content  []byte
}

// NewDataTable builds a DataTable with the fixed protocol version and
// link address already set, so callers only supply the parts that
// actually vary.
func NewDataTable(sender, receiver DeviceID, op Operation, object ObjectID, content []byte) DataTable {
	return DataTable{
		LinkAddr: 0x0000,
		Sender:   sender,
		Receiver: receiver,
		Version:  ProtocolVersion,
		Op:       op,
		Object:   object,
		Content:  content,
	}
}

// NewErrorTable builds the OpErrorResponse Data Table sent when a frame
// fails to decode; per the protocol, the faulting frame's own sender
// is unknown, so responses are addressed using whatever identity the
// caller already has on hand for that session.
func NewErrorTable(sender, receiver DeviceID, code ErrorCode) DataTable {
	return NewDataTable(sender, receiver, OpErrorResponse, ObjCommunication, []byte{byte(code)})
}

func (t DataTable) wireLen() int {
	return headerSize + len(t.Content)
}

// marshalHeaderAndContent writes the 20-byte header followed by Content
// into buf, which must be at least t.wireLen() bytes.
func (t DataTable) marshalHeaderAndContent(buf []byte) {
	_ = buf[t.wireLen()-1]
	buf[0] = byte(t.LinkAddr)
	buf[1] = byte(t.LinkAddr >> 8)
	t.Sender.marshal(buf[2:9])
	t.Receiver.marshal(buf[9:16])
	buf[16] = t.Version
	buf[17] = byte(t.Op)
	buf[18] = byte(t.Object)
	buf[19] = byte(t.Object >> 8)
	copy(buf[headerSize:], t.Content)
}

// parseHeaderAndContent reads a DataTable out of the unescaped,
// CRC-verified bytes remaining after the trailing CRC has been split
// off.
func parseHeaderAndContent(buf []byte) (DataTable, error) {
	if len(buf) < headerSize {
		return DataTable{}, fmt.Errorf("%w: header needs %d bytes, have %d", ErrIncomplete, headerSize, len(buf))
	}
	t := DataTable{
		LinkAddr: uint16(buf[0]) | uint16(buf[1])<<8,
		Sender:   unmarshalDeviceID(buf[2:9]),
		Receiver: unmarshalDeviceID(buf[9:16]),
		Version:  buf[16],
		Op:       Operation(buf[17]),
		Object:   ObjectID(buf[18]) | ObjectID(buf[19])<<8,
	}
	content := buf[headerSize:]
	t.Content = append([]byte(nil), content...)
	return t, nil
}
