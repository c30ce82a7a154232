package compositor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// ToolError carries the transcoder's non-zero exit and captured
// diagnostics. It is retryable up to the controller's retry budget.
type ToolError struct {
	ExitCode int
	Stderr   string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("ffmpeg exited %d: %s", e.ExitCode, e.Stderr)
}

// Runner abstracts subprocess execution for testability.
type Runner interface {
	Run(ctx context.Context, binary string, args []string) error
}

type execRunner struct{}

// stderrTailBytes bounds captured diagnostics; ffmpeg can be chatty.
const stderrTailBytes = 8 * 1024

func (execRunner) Run(ctx context.Context, binary string, args []string) error {
	cmd := exec.CommandContext(ctx, binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	return &ToolError{ExitCode: exitCode, Stderr: tail(stderr.String(), stderrTailBytes)}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// Encoder drives the external transcoding process. The exit code is
// the sole success signal; stderr is captured for diagnostics.
type Encoder struct {
	Binary string
	runner Runner
}

func NewEncoder(binary string) *Encoder {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &Encoder{Binary: binary, runner: execRunner{}}
}

// NewEncoderWithRunner injects a runner for tests.
func NewEncoderWithRunner(binary string, r Runner) *Encoder {
	return &Encoder{Binary: binary, runner: r}
}

// Encode muxes the composition plan with the mixed-audio WAV into the
// output file. The summed mix is deliberately not normalized upstream;
// the limiter here catches inter-track clipping.
func (e *Encoder) Encode(ctx context.Context, plan *Plan, audioPath, outPath string) error {
	args := e.BuildArgs(plan, audioPath, outPath)
	return e.runner.Run(ctx, e.Binary, args)
}

// BuildArgs assembles the full ffmpeg invocation. Exposed for tests.
func (e *Encoder) BuildArgs(plan *Plan, audioPath, outPath string) []string {
	args := []string{"-y", "-hide_banner"}
	for _, in := range plan.Inputs {
		if in.SeekMs > 0 {
			args = append(args, "-ss", sec(in.SeekMs))
		}
		if in.DurationMs > 0 {
			args = append(args, "-t", sec(in.DurationMs))
		}
		args = append(args, "-i", in.Path)
	}
	audioIndex := len(plan.Inputs)
	args = append(args, "-i", audioPath)

	args = append(args,
		"-filter_complex", plan.FilterGraph(),
		"-map", "[vout]",
		"-map", fmt.Sprintf("%d:a", audioIndex),
		"-af", "alimiter=limit=0.95",
	)
	if plan.Opts.Format == "webm" {
		args = append(args, "-c:v", "libvpx-vp9")
	} else {
		args = append(args, "-c:v", "libx264", "-preset", "medium")
	}
	args = append(args,
		"-b:v", fmt.Sprintf("%dk", plan.Opts.VideoBitrate),
		"-pix_fmt", "yuv420p",
		"-r", strconv.Itoa(plan.Opts.FPS),
	)
	if plan.Opts.Format == "webm" {
		args = append(args, "-c:a", "libopus")
	} else {
		args = append(args, "-c:a", "aac")
	}
	args = append(args,
		"-b:a", fmt.Sprintf("%dk", plan.Opts.AudioBitrate),
		"-ar", strconv.Itoa(plan.Opts.SampleRate),
		"-t", sec(plan.DurationMs),
	)
	if plan.Opts.Format == "" || plan.Opts.Format == "mp4" {
		args = append(args, "-movflags", "+faststart")
	}
	return append(args, outPath)
}

// Concat joins already-encoded segment files losslessly with the
// concat demuxer. Used by the segmented rendering strategy.
func (e *Encoder) Concat(ctx context.Context, segments []string, outPath string) error {
	if len(segments) == 1 {
		return os.Rename(segments[0], outPath)
	}

	listPath := filepath.Join(filepath.Dir(outPath), "segments.txt")
	var b strings.Builder
	for _, s := range segments {
		abs, err := filepath.Abs(s)
		if err != nil {
			return fmt.Errorf("concat: %w", err)
		}
		fmt.Fprintf(&b, "file '%s'\n", abs)
	}
	if err := os.WriteFile(listPath, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("concat: %w", err)
	}
	defer os.Remove(listPath)

	args := []string{
		"-y", "-hide_banner",
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-c", "copy",
		outPath,
	}
	return e.runner.Run(ctx, e.Binary, args)
}
