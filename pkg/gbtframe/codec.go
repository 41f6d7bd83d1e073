package gbtframe

import "github.com/roadsense/detectorbridge/pkg/crc16"

// Encode serializes a DataTable into a framed, escaped byte sequence:
// 0xC0 | escape(header ‖ content ‖ crc16) | 0xC0.
//
// The returned slice is freshly allocated; callers that want to reuse a
// buffer should use EncodeInto instead.
func Encode(t DataTable) ([]byte, error) {
	out := make([]byte, maxEncodedLen(t))
	n, err := EncodeInto(t, out)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

// maxEncodedLen bounds the worst case where every byte needs escaping:
// 2*(header+content+crc) + 2 delimiter bytes.
func maxEncodedLen(t DataTable) int {
	return 2*(headerSize+len(t.Content)+crcSize) + 2
}

// EncodeInto writes the framed encoding of t into out, returning the
// number of bytes written. It fails with ErrBufferTooSmall if out
// cannot hold the actual encoded length.
func EncodeInto(t DataTable, out []byte) (int, error) {
	raw := make([]byte, t.wireLen()+crcSize)
	t.marshalHeaderAndContent(raw)
	crc := crc16.Checksum(raw[:t.wireLen()])
	raw[t.wireLen()] = byte(crc)
	raw[t.wireLen()+1] = byte(crc >> 8)

	if len(out) < 1 {
		return 0, ErrBufferTooSmall
	}
	n := 0
	out[n] = FrameDelimiter
	n++

	for _, b := range raw {
		switch b {
		case FrameDelimiter:
			if n+2 > len(out) {
				return 0, ErrBufferTooSmall
			}
			out[n] = escapeChar
			out[n+1] = escapedC0
			n += 2
		case escapeChar:
			if n+2 > len(out) {
				return 0, ErrBufferTooSmall
			}
			out[n] = escapeChar
			out[n+1] = escapedDB
			n += 2
		default:
			if n+1 > len(out) {
				return 0, ErrBufferTooSmall
			}
			out[n] = b
			n++
		}
	}

	if n+1 > len(out) {
		return 0, ErrBufferTooSmall
	}
	out[n] = FrameDelimiter
	n++
	return n, nil
}

// Decode parses a complete framed byte sequence, whose first and last
// byte must both be FrameDelimiter, into a DataTable.
//
// Every failure is a *DecodeError carrying the wire ErrorCode a
// dispatcher should echo back; no partial DataTable is ever returned
// alongside an error.
func Decode(frame []byte) (DataTable, error) {
	if len(frame) < 2 || frame[0] != FrameDelimiter {
		return DataTable{}, decodeErr(ErrCodeFrameStart, ErrFrameStart)
	}
	if frame[len(frame)-1] != FrameDelimiter {
		return DataTable{}, decodeErr(ErrCodeFrameEnd, ErrFrameEnd)
	}

	unescaped, err := unescape(frame[1 : len(frame)-1])
	if err != nil {
		return DataTable{}, err
	}

	if len(unescaped) < headerSize+crcSize {
		return DataTable{}, decodeErr(ErrCodeContent, ErrIncomplete)
	}

	body := unescaped[:len(unescaped)-crcSize]
	receivedCRC := uint16(unescaped[len(unescaped)-2]) | uint16(unescaped[len(unescaped)-1])<<8
	if got := crc16.Checksum(body); got != receivedCRC {
		return DataTable{}, decodeErr(ErrCodeCRC, ErrCRC)
	}

	t, err := parseHeaderAndContent(body)
	if err != nil {
		return DataTable{}, decodeErr(ErrCodeContent, err)
	}
	if t.LinkAddr != 0x0000 {
		return DataTable{}, decodeErr(ErrCodeLinkAddr, ErrLinkAddr)
	}
	if t.Version != ProtocolVersion {
		return DataTable{}, decodeErr(ErrCodeProtocolVersion, ErrVersion)
	}
	return t, nil
}

// unescape reverses byte-stuffing over the bytes between the two frame
// delimiters. A lone escapeChar, or one followed by anything other
// than escapedC0/escapedDB, is a decode failure.
func unescape(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		b := data[i]
		if b != escapeChar {
			out = append(out, b)
			continue
		}
		if i+1 >= len(data) {
			return nil, decodeErr(ErrCodeContent, ErrEscape)
		}
		switch data[i+1] {
		case escapedC0:
			out = append(out, FrameDelimiter)
		case escapedDB:
			out = append(out, escapeChar)
		default:
			return nil, decodeErr(ErrCodeContent, ErrEscape)
		}
		i++
	}
	return out, nil
}
