package planner

import (
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/framecut/api/internal/model"
)

// Strategy selects how the compositor walks the timeline.
type Strategy string

const (
	StrategySinglePass Strategy = "single_pass"
	StrategySegmented  Strategy = "segmented"
)

// Decision is the sizing result for one job, computed once before any
// asset download.
type Decision struct {
	Strategy           Strategy
	EstimatedPeakBytes int64
	LimitBytes         int64
	// Segments holds the [start,end) chunk boundaries in ms when the
	// segmented strategy is selected; empty for single_pass.
	Segments []Segment
}

type Segment struct {
	StartMs int64
	EndMs   int64
}

// Planner estimates the peak working-set of a render and picks a strategy
// that fits under the container memory ceiling.
type Planner struct {
	limitBytes  int64 // 0 = detect
	segmentMs   int64
	headroomPct int
}

func NewPlanner(limitBytes int64, segmentSec int) *Planner {
	if segmentSec <= 0 {
		segmentSec = 60
	}
	return &Planner{
		limitBytes:  limitBytes,
		segmentMs:   int64(segmentSec) * 1000,
		headroomPct: 80,
	}
}

const (
	bytesPerPixel = 4 // RGBA working frames inside the filter graph
	// Frames the transcoder holds per active input: decode lookahead,
	// the scaled intermediate, and the overlay accumulator.
	framesPerInput = 4
	baseOverhead   = 256 << 20 // runtime + codec context floor
	perClipBytes   = 8 << 20   // demuxer/decoder state per open input
	audioBytesPerMs = 48 * 2 * 8 // 48kHz stereo float64, per track
)

// Estimate computes the expected peak resident bytes for rendering the
// given timeline at the given output resolution. Monotone in resolution,
// duration, and clip count.
func (p *Planner) Estimate(t *model.Timeline, width, height int) int64 {
	frameBytes := int64(width) * int64(height) * bytesPerPixel

	clips := 0
	maxConcurrent := 0
	for _, layer := range t.Layers {
		if !layer.Visible {
			continue
		}
		clips += len(layer.Clips)
		if len(layer.Clips) > 0 {
			maxConcurrent++
		}
	}
	if maxConcurrent == 0 {
		maxConcurrent = 1
	}

	audioClips := 0
	for _, track := range t.AudioTracks {
		audioClips += len(track.Clips)
	}

	est := int64(baseOverhead)
	est += frameBytes * framesPerInput * int64(maxConcurrent+1) // +1 for the base canvas
	est += int64(clips+audioClips) * perClipBytes
	// Mixed audio is held fully in memory: one buffer per track plus the sum.
	est += t.DurationMs * audioBytesPerMs * int64(len(t.AudioTracks)+1)
	return est
}

// Plan sizes the job and selects a rendering strategy. The memory ceiling
// comes from the configured limit, falling back to cgroup detection and
// finally total system memory, with headroom reserved for the rest of the
// process.
func (p *Planner) Plan(t *model.Timeline, width, height int) Decision {
	est := p.Estimate(t, width, height)
	limit := p.limitBytes
	if limit <= 0 {
		limit = detectMemoryLimit()
	}
	budget := limit * int64(p.headroomPct) / 100

	d := Decision{
		Strategy:           StrategySinglePass,
		EstimatedPeakBytes: est,
		LimitBytes:         limit,
	}
	if est > budget {
		d.Strategy = StrategySegmented
		d.Segments = p.segments(t, est, budget)
	}
	return d
}

// segments slices the timeline into chunks, starting from the configured
// chunk duration and shrinking it until a chunk's own estimate fits the
// budget. Only the duration-proportional audio term shrinks with the
// window; the frame and per-clip terms are fixed, so when the fixed cost
// alone exceeds the budget no chunk length helps and the configured
// duration is kept.
func (p *Planner) segments(t *model.Timeline, est, budget int64) []Segment {
	chunkMs := p.segmentMs
	perMs := audioBytesPerMs * int64(len(t.AudioTracks)+1)
	fixed := est - t.DurationMs*perMs
	if room := budget - fixed; room > 0 && room/perMs < chunkMs {
		chunkMs = room / perMs
	}
	if chunkMs < 1000 {
		chunkMs = 1000
	}

	var segs []Segment
	for start := int64(0); start < t.DurationMs; start += chunkMs {
		end := start + chunkMs
		if end > t.DurationMs {
			end = t.DurationMs
		}
		segs = append(segs, Segment{StartMs: start, EndMs: end})
	}
	return segs
}

// cgroup v2 then v1; both report a huge sentinel when unlimited.
var cgroupLimitFiles = []string{
	"/sys/fs/cgroup/memory.max",
	"/sys/fs/cgroup/memory/memory.limit_in_bytes",
}

func detectMemoryLimit() int64 {
	for _, path := range cgroupLimitFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		s := strings.TrimSpace(string(data))
		if s == "max" {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n <= 0 {
			continue
		}
		// v1 reports a near-int64-max sentinel when no limit is set
		if n > int64(1)<<48 {
			continue
		}
		return n
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm.Total > 0 {
		return int64(vm.Total)
	}
	return 2 << 30
}
