// Package reframer carves complete GB/T 43229-2023 frames out of a
// growing TCP receive buffer that may deliver fragments, concatenated
// frames, noise prefixes, or corrupted frames.
package reframer

import "github.com/roadsense/detectorbridge/pkg/gbtframe"

// minFrameLen is the shortest possible frame: two delimiters around an
// empty escaped payload can never be valid, but the scan only needs to
// know it can't find a terminator in fewer than 4 bytes.
const minFrameLen = 4

// Outcome reports what Extract found in a buffer.
type Outcome int

const (
	// NeedMore means the buffer holds no complete frame yet; the
	// caller should read more bytes and retry.
	NeedMore Outcome = iota
	// Found means Start/Len describe a complete candidate frame; CRC
	// and escape validity are NOT checked here, only delimiter framing.
	Found
)

// Result is the outcome of one Extract call.
type Result struct {
	Outcome Outcome
	// Start is the offset of the frame's opening delimiter. Bytes
	// before Start are noise the caller should discard along with the
	// frame once it is processed.
	Start int
	// Len is the frame length including both delimiters.
	Len int
}

// Extract scans buf for one complete frame, following §4.C of the
// framing design:
//  1. fewer than 4 bytes: need more.
//  2. no 0xC0 anywhere: the whole buffer is noise, discard it all.
//  3. a 0xC0 preceded by an escape char is an escaped data byte, not a
//     terminator; skip it and keep scanning.
//  4. no terminator found after the first delimiter: need more (the
//     caller is expected to compact noise ahead of Start itself).
//
// Extract never mutates buf and never decodes; Decode is the caller's
// job once a Found result comes back.
func Extract(buf []byte) Result {
	if len(buf) < minFrameLen {
		return Result{Outcome: NeedMore}
	}

	start := indexDelimiter(buf, 0)
	if start < 0 {
		return Result{Outcome: NeedMore, Start: len(buf)}
	}

	for i := start + 1; i < len(buf); i++ {
		if buf[i] != gbtframe.FrameDelimiter {
			continue
		}
		if buf[i-1] == escapeChar {
			// An escaped delimiter byte, not a terminator: the heuristic
			// recorded as an open question in the framing design. See
			// DESIGN.md for the tradeoff against treating every 0xC0 as
			// a candidate and letting CRC reject false positives.
			continue
		}
		return Result{Outcome: Found, Start: start, Len: i - start + 1}
	}

	return Result{Outcome: NeedMore, Start: start}
}

const escapeChar = 0xDB

func indexDelimiter(buf []byte, from int) int {
	for i := from; i < len(buf); i++ {
		if buf[i] == gbtframe.FrameDelimiter {
			return i
		}
	}
	return -1
}
