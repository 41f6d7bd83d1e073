package detector

import (
	"fmt"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// MeasurementSource produces the next realtime measurement for a
// channel. Randomized traffic simulation is explicitly out of scope
// for this repository; production deployments wire in whatever feeds
// real detector hardware, and implement this single-method interface
// to do it.
type MeasurementSource interface {
	// Next returns the current snapshot for channelID. It is called
	// once per channel on every RealtimeUploadInterval tick.
	Next(channelID uint8) (ChannelSnapshot, error)
}

// FixtureSource replays a pre-recorded, CBOR-encoded sequence of
// snapshots per channel, advancing one step on every call and holding
// on the last entry once a channel's sequence is exhausted. It exists
// so demos and tests get deterministic, reviewable traffic instead of
// a random number generator.
type FixtureSource struct {
	mu      sync.Mutex
	byChan  map[uint8][]ChannelSnapshot
	cursors map[uint8]int
}

// fixtureFile is the on-disk CBOR shape: a map from channel id to the
// ordered list of snapshots to replay for it.
type fixtureFile map[uint8][]ChannelSnapshot

// LoadFixtureSource reads a CBOR fixture file produced by
// EncodeFixture.
func LoadFixtureSource(path string) (*FixtureSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("detector: reading fixture %s: %w", path, err)
	}
	var f fixtureFile
	if err := cbor.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("detector: decoding fixture %s: %w", path, err)
	}
	return &FixtureSource{byChan: f, cursors: make(map[uint8]int)}, nil
}

// EncodeFixture serializes a channel-id to snapshot-sequence map into
// the CBOR form LoadFixtureSource reads back, so a fixture can be
// authored in Go and saved for reuse.
func EncodeFixture(byChan map[uint8][]ChannelSnapshot) ([]byte, error) {
	return cbor.Marshal(fixtureFile(byChan))
}

// Next implements MeasurementSource.
func (f *FixtureSource) Next(channelID uint8) (ChannelSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	seq := f.byChan[channelID]
	if len(seq) == 0 {
		return ChannelSnapshot{ChannelID: channelID}, nil
	}
	i := f.cursors[channelID]
	if i >= len(seq) {
		i = len(seq) - 1
	}
	snap := seq[i]
	if i+1 < len(seq) {
		f.cursors[channelID] = i + 1
	}
	return snap, nil
}
