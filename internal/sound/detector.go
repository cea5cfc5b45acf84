// Package sound implements the streaming RMS→dB noise detector
// (spec.md §4.7): a bounded, deterministic pipeline that turns PCM frames
// into DetectedNoise events under hysteresis and a cooldown. Grounded on
// the teacher's bounded per-packet processing style (device/receive.go
// processes fixed-size frames without unbounded buffering) generalized from
// decrypting transport packets to computing an RMS level per audio frame.
package sound

import (
	"math"
)

// Settings mirrors config.NoiseSettings but is kept decoupled from the
// config package so the detector has no dependency on persistence.
type Settings struct {
	Threshold     int // 0..100
	MinDurationMs int
	CooldownSec   int
}

// DetectedNoise is emitted when a loud period qualifies per Settings.
type DetectedNoise struct {
	TimestampMs int64
	PeakLevel   int
}

const (
	DefaultSampleRate = 16000
	DefaultFrameSize  = 320 // 20ms at 16kHz
)

// Detector is not safe for concurrent use; it is fed by a single
// single-producer audio loop, matching the ring buffer's SPSC contract in
// spec.md §5.
type Detector struct {
	settings Settings

	sampleRate int
	frameSize  int

	loudDurationMs int
	peakLevel      int
	lastEventMs    int64
}

// New constructs a Detector. sampleRate/frameSize default to 16kHz/320
// samples (20ms) per spec.md §4.7 if zero. lastEventMs starts at
// -cooldownMs so the first qualifying event may fire immediately.
func New(settings Settings, sampleRate, frameSize int) *Detector {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}
	return &Detector{
		settings:    settings,
		sampleRate:  sampleRate,
		frameSize:   frameSize,
		lastEventMs: -int64(settings.CooldownSec) * 1000,
	}
}

// frameDurationMs returns the duration, in milliseconds, that one frame of
// frameSize samples at sampleRate represents.
func (d *Detector) frameDurationMs() float64 {
	return float64(d.frameSize) * 1000.0 / float64(d.sampleRate)
}

// Level computes the 0..100 loudness level for one frame of normalised
// (-1..1) float samples, per spec.md §4.7's RMS→dB formula.
func Level(samples []float64) int {
	if len(samples) == 0 {
		return 0
	}
	var sumSquares float64
	for _, s := range samples {
		sumSquares += s * s
	}
	rms := math.Sqrt(sumSquares / float64(len(samples)))
	db := 20*math.Log10(rms) + 60
	level := db * 100 / 60
	return int(math.Round(clamp(level, 0, 100)))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// PCM16ToFloat converts signed 16-bit little-endian PCM samples to
// normalised -1..1 floats, per the fixed PCM sample contract in spec.md §1.
func PCM16ToFloat(pcm []int16) []float64 {
	out := make([]float64, len(pcm))
	for i, s := range pcm {
		out[i] = float64(s) / 32768.0
	}
	return out
}

// Feed processes one frame of normalised samples at wall-clock time nowMs
// and returns a DetectedNoise if this frame causes one to qualify.
// Malformed frames (mismatched length) are never passed here; callers are
// responsible for dropping those per spec.md §7 — the detector only ever
// sees validated frames.
func (d *Detector) Feed(samples []float64, nowMs int64) (DetectedNoise, bool) {
	level := Level(samples)

	if level >= d.settings.Threshold {
		d.loudDurationMs += int(math.Round(d.frameDurationMs()))
		if level > d.peakLevel {
			d.peakLevel = level
		}
	} else {
		d.loudDurationMs = 0
		d.peakLevel = 0
	}

	cooldownMs := int64(d.settings.CooldownSec) * 1000
	if d.loudDurationMs >= d.settings.MinDurationMs && nowMs-d.lastEventMs >= cooldownMs {
		event := DetectedNoise{TimestampMs: nowMs, PeakLevel: d.peakLevel}
		d.loudDurationMs = 0
		d.peakLevel = 0
		d.lastEventMs = nowMs
		return event, true
	}
	return DetectedNoise{}, false
}
