package library

import (
	"math"

	"github.com/gopxl/beep/v2"
)

// ToneTrack builds an in-memory sine tone track. It is used by tests and
// by the simulated setup when no audio directory is configured.
func ToneTrack(name string, sr beep.SampleRate, seconds, freq float64) *Track {
	format := beep.Format{SampleRate: sr, NumChannels: 2, Precision: 2}
	buf := beep.NewBuffer(format)
	n := int(float64(sr) * seconds)
	i := 0
	buf.Append(beep.StreamerFunc(func(samples [][2]float64) (int, bool) {
		if i >= n {
			return 0, false
		}
		k := 0
		for ; k < len(samples) && i < n; k++ {
			v := 0.2 * math.Sin(2*math.Pi*freq*float64(i)/float64(sr))
			samples[k] = [2]float64{v, v}
			i++
		}
		return k, true
	}))
	return NewTrack(name, buf)
}
