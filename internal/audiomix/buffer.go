package audiomix

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

// Buffer holds interleaved stereo float64 samples.
type Buffer struct {
	SampleRate int
	data       []float64
}

// NewBuffer allocates a silent buffer spanning [0, durationMs).
func NewBuffer(sampleRate int, durationMs int64) *Buffer {
	frames := msToFrames(durationMs, sampleRate)
	return &Buffer{
		SampleRate: sampleRate,
		data:       make([]float64, frames*2),
	}
}

func msToFrames(ms int64, sampleRate int) int {
	return int(ms * int64(sampleRate) / 1000)
}

// Frames returns the number of stereo sample frames.
func (b *Buffer) Frames() int { return len(b.data) / 2 }

// DurationMs returns the buffer span in milliseconds.
func (b *Buffer) DurationMs() int64 {
	if b.SampleRate == 0 {
		return 0
	}
	return int64(b.Frames()) * 1000 / int64(b.SampleRate)
}

// At returns the sample at a frame for channel 0 or 1.
func (b *Buffer) At(frame, ch int) float64 {
	return b.data[frame*2+ch]
}

// AtMs returns the left-channel sample nearest to the given time.
func (b *Buffer) AtMs(ms int64) float64 {
	frame := msToFrames(ms, b.SampleRate)
	if frame >= b.Frames() {
		frame = b.Frames() - 1
	}
	return b.At(frame, 0)
}

// add sums other into b sample-wise. Buffers may differ in length; the
// shorter one pads with silence.
func (b *Buffer) add(other *Buffer) {
	n := len(other.data)
	if n > len(b.data) {
		n = len(b.data)
	}
	for i := 0; i < n; i++ {
		b.data[i] += other.data[i]
	}
}

// Slice returns a copy of the span [startMs, endMs).
func (b *Buffer) Slice(startMs, endMs int64) *Buffer {
	start := msToFrames(startMs, b.SampleRate) * 2
	end := msToFrames(endMs, b.SampleRate) * 2
	if start < 0 {
		start = 0
	}
	if end > len(b.data) {
		end = len(b.data)
	}
	if start >= end {
		return &Buffer{SampleRate: b.SampleRate}
	}
	out := &Buffer{
		SampleRate: b.SampleRate,
		data:       make([]float64, end-start),
	}
	copy(out.data, b.data[start:end])
	return out
}

// WriteWAV emits the buffer as 16-bit PCM WAV. Samples outside [-1,1]
// are hard-clipped here; the mix itself is never rescaled (the encoder
// mux stage carries the limiter).
func (b *Buffer) WriteWAV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	defer f.Close()

	const (
		channels      = 2
		bitsPerSample = 16
	)
	dataSize := len(b.data) * 2 // int16 per sample
	byteRate := b.SampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	header := make([]byte, 44)
	copy(header[0:], "RIFF")
	binary.LittleEndian.PutUint32(header[4:], uint32(36+dataSize))
	copy(header[8:], "WAVE")
	copy(header[12:], "fmt ")
	binary.LittleEndian.PutUint32(header[16:], 16)
	binary.LittleEndian.PutUint16(header[20:], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:], channels)
	binary.LittleEndian.PutUint32(header[24:], uint32(b.SampleRate))
	binary.LittleEndian.PutUint32(header[28:], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:], bitsPerSample)
	copy(header[36:], "data")
	binary.LittleEndian.PutUint32(header[40:], uint32(dataSize))

	if _, err := f.Write(header); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}

	pcm := make([]byte, dataSize)
	for i, s := range b.data {
		v := math.Max(-1, math.Min(1, s))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v*32767)))
	}
	if _, err := f.Write(pcm); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	return nil
}
