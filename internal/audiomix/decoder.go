package audiomix

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os/exec"
	"strconv"
)

// FFmpegDecoder shells out to ffmpeg to decode any container/codec the
// install supports into raw stereo float64 PCM at the mixer rate.
type FFmpegDecoder struct {
	Binary     string
	SampleRate int
}

func NewFFmpegDecoder(binary string, sampleRate int) *FFmpegDecoder {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpegDecoder{Binary: binary, SampleRate: sampleRate}
}

func (d *FFmpegDecoder) Decode(ctx context.Context, path string) ([]float64, error) {
	args := []string{
		"-v", "error",
		"-i", path,
		"-f", "f64le",
		"-ac", "2",
		"-ar", strconv.Itoa(d.SampleRate),
		"-",
	}

	cmd := exec.CommandContext(ctx, d.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("decode %s: %w: %s", path, err, bytes.TrimSpace(stderr.Bytes()))
	}

	raw := stdout.Bytes()
	samples := make([]float64, len(raw)/8)
	for i := range samples {
		bits := binary.LittleEndian.Uint64(raw[i*8:])
		samples[i] = math.Float64frombits(bits)
	}
	return samples, nil
}
