package audio

import (
	"encoding/binary"
	"math"
)

// silenceFloorDb is the level reported for an empty or all-zero window.
// Anything quieter than this is indistinguishable from silence.
const silenceFloorDb = -96.0

// LevelDb computes the RMS level of a PCM16LE window in dBFS. 0 dB is a
// full-scale square wave; typical speech sits around -20 to -10 dB and room
// noise well below -40 dB.
func LevelDb(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return silenceFloorDb
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[2*i:]))
		v := float64(s) / 32768.0
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(n))
	if rms <= 0 {
		return silenceFloorDb
	}
	db := 20 * math.Log10(rms)
	if db < silenceFloorDb {
		return silenceFloorDb
	}
	return db
}
