package effects

import (
	"math"
)

type processor interface {
	process(samples []float64, sampleRate float64) []float64
}

func newProcessor(kind string, params map[string]float64) processor {
	switch kind {
	case "gain":
		return gain{db: param(params, "gain_db", 0)}
	case "distortion":
		return distortion{driveDB: param(params, "drive_db", 10)}
	case "chorus":
		// Modulation params come from client JSON; keep them in a range where
		// the delay tap stays inside the buffer.
		return chorus{
			rateHz: math.Max(0, param(params, "rate_hz", 1.0)),
			depth:  clamp(param(params, "depth", 0.25), 0, 1),
			mix:    clamp(param(params, "mix", 0.5), 0, 1),
		}
	case "delay":
		return delay{
			seconds:  param(params, "delay_seconds", 0.35),
			feedback: param(params, "feedback", 0.4),
			mix:      param(params, "mix", 0.5),
		}
	case "reverb":
		return reverb{roomSize: param(params, "room_size", 0.5)}
	default:
		return passthrough{}
	}
}

func param(params map[string]float64, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		return v
	}
	return def
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

func dbToLinear(db float64) float64 {
	return math.Pow(10, db/20)
}

type passthrough struct{}

func (passthrough) process(samples []float64, _ float64) []float64 { return samples }

// gain scales the signal by a fixed decibel amount.
type gain struct {
	db float64
}

func (g gain) process(samples []float64, _ float64) []float64 {
	factor := dbToLinear(g.db)
	for i, s := range samples {
		samples[i] = s * factor
	}
	return samples
}

// distortion applies pre-gain followed by tanh soft clipping, which keeps the
// output bounded in [-1, 1] regardless of drive.
type distortion struct {
	driveDB float64
}

func (d distortion) process(samples []float64, _ float64) []float64 {
	drive := dbToLinear(d.driveDB)
	for i, s := range samples {
		samples[i] = math.Tanh(s * drive)
	}
	return samples
}

// chorus mixes in a copy delayed around 7ms, with the delay time swept by a
// sine LFO. mix=1.0 yields pure vibrato.
type chorus struct {
	rateHz float64
	depth  float64
	mix    float64
}

func (c chorus) process(samples []float64, sampleRate float64) []float64 {
	centre := 0.007 * sampleRate
	sweep := c.depth * centre
	out := make([]float64, len(samples))
	for i := range samples {
		lfo := math.Sin(2 * math.Pi * c.rateHz * float64(i) / sampleRate)
		// The tap must stay inside the buffer whatever the sweep does.
		tap := clamp(float64(i)-centre-sweep*lfo, 0, float64(len(samples)-1))
		// Linear interpolation between neighboring samples.
		j := int(tap)
		frac := tap - float64(j)
		wet := samples[j]
		if j+1 < len(samples) {
			wet = samples[j]*(1-frac) + samples[j+1]*frac
		}
		out[i] = samples[i]*(1-c.mix) + wet*c.mix
	}
	return out
}

// delay is a feedback echo line.
type delay struct {
	seconds  float64
	feedback float64
	mix      float64
}

func (d delay) process(samples []float64, sampleRate float64) []float64 {
	n := int(d.seconds * sampleRate)
	if n <= 0 {
		return samples
	}
	wet := make([]float64, len(samples))
	for i := range samples {
		echo := 0.0
		if i >= n {
			echo = samples[i-n] + wet[i-n]*d.feedback
		}
		wet[i] = echo
	}
	out := make([]float64, len(samples))
	for i := range samples {
		out[i] = samples[i]*(1-d.mix) + wet[i]*d.mix
	}
	return out
}

// reverb is a small Schroeder network: four parallel feedback combs into two
// series allpass filters. room_size scales the comb feedback.
type reverb struct {
	roomSize float64
}

var combDelaysMs = []float64{29.7, 37.1, 41.1, 43.7}
var allpassDelaysMs = []float64{5.0, 1.7}

func (r reverb) process(samples []float64, sampleRate float64) []float64 {
	feedback := 0.7 + 0.28*r.roomSize

	wet := make([]float64, len(samples))
	for _, ms := range combDelaysMs {
		n := int(ms / 1000 * sampleRate)
		if n <= 0 || n >= len(samples) {
			continue
		}
		comb := make([]float64, len(samples))
		for i := range samples {
			comb[i] = samples[i]
			if i >= n {
				comb[i] += comb[i-n] * feedback
			}
		}
		for i := range wet {
			wet[i] += comb[i] / float64(len(combDelaysMs))
		}
	}

	for _, ms := range allpassDelaysMs {
		n := int(ms / 1000 * sampleRate)
		if n <= 0 || n >= len(wet) {
			continue
		}
		const g = 0.5
		ap := make([]float64, len(wet))
		for i := range wet {
			ap[i] = -g * wet[i]
			if i >= n {
				ap[i] += wet[i-n] + g*ap[i-n]
			}
		}
		wet = ap
	}

	mix := 0.3 + 0.2*r.roomSize
	out := make([]float64, len(samples))
	for i := range samples {
		out[i] = samples[i]*(1-mix) + wet[i]*mix
	}
	return out
}
