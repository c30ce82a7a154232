// Package audiomix produces the deterministic multi-track mix-down:
// per-clip volume and fade envelopes, narration-triggered sidechain
// ducking, and a sample-wise sum with no normalization.
package audiomix

import (
	"context"
	"fmt"
	"sort"

	"github.com/framecut/api/internal/model"
)

// SourceDecoder decodes a staged asset file into interleaved stereo
// float64 samples at the mixer's sample rate.
type SourceDecoder interface {
	Decode(ctx context.Context, path string) ([]float64, error)
}

type Mixer struct {
	decoder    SourceDecoder
	sampleRate int
}

func NewMixer(decoder SourceDecoder, sampleRate int) *Mixer {
	return &Mixer{decoder: decoder, sampleRate: sampleRate}
}

// Mix renders every track into its own buffer, applies ducking
// envelopes, and sums the buffers. sources maps asset id → staged file
// path. A track with no clips contributes silence.
func (m *Mixer) Mix(ctx context.Context, tracks []model.AudioTrack, totalDurationMs int64, sources map[string]string) (*Buffer, error) {
	mix := NewBuffer(m.sampleRate, totalDurationMs)
	cache := make(map[string][]float64)

	narration := narrationIntervals(tracks)

	for _, track := range tracks {
		if track.Muted {
			continue
		}
		buf := NewBuffer(m.sampleRate, totalDurationMs)
		for _, clip := range track.Clips {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			src, err := m.decodeCached(ctx, cache, sources, clip.AssetID)
			if err != nil {
				return nil, fmt.Errorf("track %s clip %s: %w", track.ID, clip.ID, err)
			}
			renderClip(buf, clip, src, track.Volume)
		}
		if d := track.Ducking; d != nil && d.Enabled {
			applyDucking(buf, narration, *d)
		}
		mix.add(buf)
	}

	return mix, nil
}

func (m *Mixer) decodeCached(ctx context.Context, cache map[string][]float64, sources map[string]string, assetID string) ([]float64, error) {
	if src, ok := cache[assetID]; ok {
		return src, nil
	}
	path, ok := sources[assetID]
	if !ok {
		return nil, fmt.Errorf("asset %s not staged", assetID)
	}
	src, err := m.decoder.Decode(ctx, path)
	if err != nil {
		return nil, err
	}
	cache[assetID] = src
	return src, nil
}

// renderClip copies the trimmed source window [in_point, out_point)
// into the track buffer at start_ms, scaled by clip volume × track
// volume × the linear fade envelope. Source material shorter than the
// clip leaves trailing silence.
func renderClip(buf *Buffer, clip model.AudioClip, src []float64, trackVolume float64) {
	rate := buf.SampleRate
	startFrame := msToFrames(clip.StartMs, rate)
	clipFrames := msToFrames(clip.DurationMs, rate)
	srcStart := msToFrames(clip.InPointMs, rate)
	srcEnd := msToFrames(clip.OutPointMs, rate)
	srcFrames := len(src) / 2
	if srcEnd > srcFrames {
		srcEnd = srcFrames
	}

	fadeIn := msToFrames(clip.FadeInMs, rate)
	fadeOut := msToFrames(clip.FadeOutMs, rate)
	base := clip.Volume * trackVolume

	for i := 0; i < clipFrames; i++ {
		srcFrame := srcStart + i
		if srcFrame >= srcEnd {
			break
		}
		dstFrame := startFrame + i
		if dstFrame >= buf.Frames() {
			break
		}
		gain := base * fadeGain(i, clipFrames, fadeIn, fadeOut)
		buf.data[dstFrame*2] += src[srcFrame*2] * gain
		buf.data[dstFrame*2+1] += src[srcFrame*2+1] * gain
	}
}

// fadeGain is the linear edge ramp: 0→1 over the first fadeIn frames,
// 1→0 over the last fadeOut frames.
func fadeGain(i, total, fadeIn, fadeOut int) float64 {
	gain := 1.0
	if fadeIn > 0 && i < fadeIn {
		gain *= float64(i) / float64(fadeIn)
	}
	if fadeOut > 0 && i >= total-fadeOut {
		gain *= float64(total-i) / float64(fadeOut)
	}
	return gain
}

type interval struct {
	startMs int64
	endMs   int64
}

// narrationIntervals returns the sorted active spans over every
// unmuted narration track. Overlapping clips merge into one span, so a
// ducked track is never attenuated twice.
func narrationIntervals(tracks []model.AudioTrack) []interval {
	var raw []interval
	for _, track := range tracks {
		if track.Type != model.TrackNarration || track.Muted {
			continue
		}
		for _, clip := range track.Clips {
			raw = append(raw, interval{clip.StartMs, clip.EndMs()})
		}
	}
	sort.Slice(raw, func(i, j int) bool { return raw[i].startMs < raw[j].startMs })

	var merged []interval
	for _, iv := range raw {
		if n := len(merged); n > 0 && iv.startMs <= merged[n-1].endMs {
			if iv.endMs > merged[n-1].endMs {
				merged[n-1].endMs = iv.endMs
			}
			continue
		}
		merged = append(merged, iv)
	}
	return merged
}

// applyDucking multiplies the buffer by the sidechain gain envelope:
// 1.0 outside duck-active spans, ramping linearly to duck_to over
// attack_ms at onset and back to 1.0 over release_ms after offset.
// Spans separated by a gap shorter than release_ms are bridged so the
// gain does not pump across short narration pauses.
func applyDucking(buf *Buffer, narration []interval, d model.Ducking) {
	if len(narration) == 0 {
		return
	}

	spans := bridge(narration, d.ReleaseMs)

	rate := int64(buf.SampleRate)
	for frame := 0; frame < buf.Frames(); frame++ {
		tMs := int64(frame) * 1000 / rate
		g := duckGain(tMs, spans, d)
		if g == 1 {
			continue
		}
		buf.data[frame*2] *= g
		buf.data[frame*2+1] *= g
	}
}

// bridge merges spans whose gap is shorter than releaseMs.
func bridge(spans []interval, releaseMs int64) []interval {
	var out []interval
	for _, iv := range spans {
		if n := len(out); n > 0 && iv.startMs-out[n-1].endMs < releaseMs {
			if iv.endMs > out[n-1].endMs {
				out[n-1].endMs = iv.endMs
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

func duckGain(tMs int64, spans []interval, d model.Ducking) float64 {
	for _, iv := range spans {
		switch {
		case tMs < iv.startMs:
			// Spans are sorted and release tails never reach the next
			// span (bridge guarantees the gap exceeds release_ms).
			return 1
		case tMs < iv.startMs+d.AttackMs:
			frac := float64(tMs-iv.startMs) / float64(d.AttackMs)
			return 1 - frac*(1-d.DuckTo)
		case tMs < iv.endMs:
			return d.DuckTo
		case d.ReleaseMs > 0 && tMs < iv.endMs+d.ReleaseMs:
			frac := float64(tMs-iv.endMs) / float64(d.ReleaseMs)
			return d.DuckTo + frac*(1-d.DuckTo)
		}
	}
	return 1
}
