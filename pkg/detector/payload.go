package detector

import "time"

// WireTime is the 6-byte little-endian time record every timestamped
// payload in this protocol carries: uint32 seconds, uint16
// milliseconds.
type WireTime struct {
	Seconds      uint32
	Milliseconds uint16
}

func wireTimeNow() WireTime {
	now := time.Now()
	return WireTime{
		Seconds:      uint32(now.Unix()),
		Milliseconds: uint16(now.Nanosecond() / int(time.Millisecond)),
	}
}

func (w WireTime) marshal(buf []byte) {
	_ = buf[5]
	buf[0] = byte(w.Seconds)
	buf[1] = byte(w.Seconds >> 8)
	buf[2] = byte(w.Seconds >> 16)
	buf[3] = byte(w.Seconds >> 24)
	buf[4] = byte(w.Milliseconds)
	buf[5] = byte(w.Milliseconds >> 8)
}

// ChannelSnapshot is one detection channel's current counters, the
// unit a MeasurementSource hands back each realtime tick.
type ChannelSnapshot struct {
	ChannelID         uint8
	VehicleCountA     uint8  // length >= 12m
	VehicleCountB     uint8  // 6m <= length < 12m
	VehicleCountC     uint8  // length < 6m
	TimeOccupancy     uint16 // 0.1% units
	VehicleSpeed      uint8  // km/h
	VehicleLength     uint16 // 0.1m units
	Headway           uint8  // 0.1s units
	GapTime           uint8  // 0.1s units
	StopCount         uint8
	StopDuration      uint8
	OccupySampleCount uint8
	OccupyPattern     uint8
}

// realtimeRecordSize is the fixed wire width of the realtime
// per-channel record. The named fields (channel id, three class
// counts, time occupancy, speed, length, headway, gap, stop count,
// stop duration, occupancy sample count, occupancy pattern, four
// reserved bytes) only sum to 19; there's no extra struct-padding byte
// in the original packer to account for the 20th, it's just an
// arithmetic gap in the record's own description. Five reserved zero
// bytes instead of four close it out to the stated total.
const realtimeRecordSize = 20

// marshalRealtime writes the realtime record for one channel: channel
// id, three class counts, time occupancy, speed, length, headway, gap,
// stop count, stop duration, occupancy sample count, occupancy
// pattern, then reserved zero bytes out to realtimeRecordSize.
func (c ChannelSnapshot) marshalRealtime(buf []byte) {
	_ = buf[realtimeRecordSize-1]
	buf[0] = c.ChannelID
	buf[1] = c.VehicleCountA
	buf[2] = c.VehicleCountB
	buf[3] = c.VehicleCountC
	buf[4] = byte(c.TimeOccupancy)
	buf[5] = byte(c.TimeOccupancy >> 8)
	buf[6] = c.VehicleSpeed
	buf[7] = byte(c.VehicleLength)
	buf[8] = byte(c.VehicleLength >> 8)
	buf[9] = c.Headway
	buf[10] = c.GapTime
	buf[11] = c.StopCount
	buf[12] = c.StopDuration
	buf[13] = c.OccupySampleCount
	buf[14] = c.OccupyPattern
	for i := 15; i < realtimeRecordSize; i++ {
		buf[i] = 0
	}
}

// EncodeRealtimeUpload packs a vector of per-channel snapshots into the
// Content of an UPLOAD/TrafficRealtime Data Table.
func EncodeRealtimeUpload(channels []ChannelSnapshot) []byte {
	out := make([]byte, realtimeRecordSize*len(channels))
	for i, c := range channels {
		c.marshalRealtime(out[i*realtimeRecordSize : (i+1)*realtimeRecordSize])
	}
	return out
}

// StatsSnapshot is the per-channel aggregate accumulated since the
// previous statistics upload. Unlike ChannelSnapshot's realtime
// record, the vehicle class totals here are widened to 16 bits: the
// original source accumulates them across the whole
// StatisticsUploadInterval as uint16_t (vehicle_detector.c's
// send_statistics_data, e.g. "uint16_t total_a =
// detector->total_vehicles_a"), since an 8-bit counter would overflow
// for any channel busier than about 4 vehicles/class/second. Every
// other field is carried forward at its last-observed value rather
// than summed, matching the original's own (mislabeled "average")
// behavior of just copying the latest per-tick reading.
type StatsSnapshot struct {
	ChannelID     uint8
	VehicleCountA uint16
	VehicleCountB uint16
	VehicleCountC uint16
	TimeOccupancy uint16
	VehicleSpeed  uint8
	VehicleLength uint16
	Headway       uint8
	GapTime       uint8
	StopCount     uint8
	StopDuration  uint8
}

// statsRecordSize is the fixed wire width of the statistics
// per-channel record: channel id (1) + three 16-bit totals (6) + time
// occupancy (2) + speed (1) + length (2) + headway (1) + gap (1) +
// stop count (1) + stop duration (1) + 4 reserved bytes = 20,
// matching the original's send_statistics_data layout exactly.
const statsRecordSize = 20

func (s StatsSnapshot) marshalStats(buf []byte) {
	_ = buf[statsRecordSize-1]
	buf[0] = s.ChannelID
	buf[1] = byte(s.VehicleCountA)
	buf[2] = byte(s.VehicleCountA >> 8)
	buf[3] = byte(s.VehicleCountB)
	buf[4] = byte(s.VehicleCountB >> 8)
	buf[5] = byte(s.VehicleCountC)
	buf[6] = byte(s.VehicleCountC >> 8)
	buf[7] = byte(s.TimeOccupancy)
	buf[8] = byte(s.TimeOccupancy >> 8)
	buf[9] = s.VehicleSpeed
	buf[10] = byte(s.VehicleLength)
	buf[11] = byte(s.VehicleLength >> 8)
	buf[12] = s.Headway
	buf[13] = s.GapTime
	buf[14] = s.StopCount
	buf[15] = s.StopDuration
	for i := 16; i < statsRecordSize; i++ {
		buf[i] = 0
	}
}

// EncodeStatsUpload packs a vector of per-channel aggregates into the
// Content of an UPLOAD/TrafficStats Data Table.
func EncodeStatsUpload(channels []StatsSnapshot) []byte {
	out := make([]byte, statsRecordSize*len(channels))
	for i, s := range channels {
		s.marshalStats(out[i*statsRecordSize : (i+1)*statsRecordSize])
	}
	return out
}

// AccumulateStats folds one realtime tick into a running per-channel
// aggregate. Vehicle class counts are true running sums (saturating at
// the 16-bit wire field's ceiling rather than overflowing); every
// other field simply carries forward the latest tick's value.
func AccumulateStats(agg StatsSnapshot, tick ChannelSnapshot) StatsSnapshot {
	agg.ChannelID = tick.ChannelID
	agg.VehicleCountA = clampAdd16(agg.VehicleCountA, tick.VehicleCountA)
	agg.VehicleCountB = clampAdd16(agg.VehicleCountB, tick.VehicleCountB)
	agg.VehicleCountC = clampAdd16(agg.VehicleCountC, tick.VehicleCountC)
	agg.TimeOccupancy = tick.TimeOccupancy
	agg.VehicleSpeed = tick.VehicleSpeed
	agg.VehicleLength = tick.VehicleLength
	agg.Headway = tick.Headway
	agg.GapTime = tick.GapTime
	agg.StopCount = tick.StopCount
	agg.StopDuration = tick.StopDuration
	return agg
}

func clampAdd16(a uint16, b uint8) uint16 {
	sum := uint32(a) + uint32(b)
	if sum > 0xFFFF {
		return 0xFFFF
	}
	return uint16(sum)
}
