// Package compositor turns a validated timeline into an ffmpeg
// composition plan and drives the external encode process.
package compositor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/framecut/api/internal/model"
)

// EncodeOptions are the explicit encoder parameters for one job.
type EncodeOptions struct {
	Width        int
	Height       int
	FPS          int
	VideoBitrate int // kbps
	AudioBitrate int // kbps
	SampleRate   int
	Format       string
}

// Validate enforces encoder constraints. H.264 4:2:0 output requires
// even frame dimensions, so odd width/height is a data error here, not
// an encode-time surprise.
func (o EncodeOptions) Validate() error {
	if o.Width <= 0 || o.Height <= 0 {
		return fmt.Errorf("encode options: dimensions %dx%d must be positive", o.Width, o.Height)
	}
	if o.Width%2 != 0 || o.Height%2 != 0 {
		return fmt.Errorf("encode options: dimensions %dx%d must be even", o.Width, o.Height)
	}
	if o.FPS <= 0 {
		return fmt.Errorf("encode options: fps %d must be positive", o.FPS)
	}
	if o.VideoBitrate <= 0 || o.AudioBitrate <= 0 {
		return fmt.Errorf("encode options: bitrates must be positive")
	}
	if o.SampleRate <= 0 {
		return fmt.Errorf("encode options: sample rate must be positive")
	}
	switch o.Format {
	case "", "mp4", "webm":
	default:
		return fmt.Errorf("encode options: unsupported format %q", o.Format)
	}
	return nil
}

// Input is one ffmpeg -i entry with its source trim.
type Input struct {
	Path       string
	SeekMs     int64
	DurationMs int64
}

// Overlay is one clip's contribution to the composition, already
// carrying its resolved transform, effects, and global-time activation
// window. Overlays are ordered bottom→top.
type Overlay struct {
	ClipID     string
	LayerID    string
	LayerOrder int
	InputIndex int // -1 for synthesized text/shape sources
	Chain      string
	X          float64
	Y          float64
	StartMs    int64
	EndMs      int64
	BlendMode  model.BlendMode
}

// Plan is the full composition handed to the encoder.
type Plan struct {
	Inputs     []Input
	Overlays   []Overlay
	DurationMs int64
	Opts       EncodeOptions
}

// BuildPlan resolves every visible clip against its staged asset and
// orders the overlay chain by ascending layer order, so a clip on a
// higher layer always paints over a lower one.
func BuildPlan(t *model.Timeline, assets map[string]string, opts EncodeOptions) (*Plan, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	layers := make([]model.Layer, 0, len(t.Layers))
	for _, l := range t.Layers {
		if l.Visible {
			layers = append(layers, l)
		}
	}
	sort.Slice(layers, func(i, j int) bool { return layers[i].Order < layers[j].Order })

	plan := &Plan{DurationMs: t.DurationMs, Opts: opts}
	for _, layer := range layers {
		for _, clip := range layer.Clips {
			ov, err := buildOverlay(plan, layer, clip, assets, opts)
			if err != nil {
				return nil, err
			}
			plan.Overlays = append(plan.Overlays, ov)
		}
	}
	return plan, nil
}

func buildOverlay(plan *Plan, layer model.Layer, clip model.VisualClip, assets map[string]string, opts EncodeOptions) (Overlay, error) {
	ov := Overlay{
		ClipID:     clip.ID,
		LayerID:    layer.ID,
		LayerOrder: layer.Order,
		InputIndex: -1,
		X:          clip.Transform.X,
		Y:          clip.Transform.Y,
		StartMs:    clip.StartMs,
		EndMs:      clip.EndMs(),
		BlendMode:  clip.Effects.BlendMode,
	}

	var chain []string
	switch {
	case clip.AssetID != "":
		path, ok := assets[clip.AssetID]
		if !ok {
			return Overlay{}, fmt.Errorf("clip %s: asset %s not staged", clip.ID, clip.AssetID)
		}
		ov.InputIndex = len(plan.Inputs)
		plan.Inputs = append(plan.Inputs, Input{
			Path:       path,
			SeekMs:     clip.InPointMs,
			DurationMs: clip.DurationMs,
		})
		chain = append(chain, fmt.Sprintf("setpts=PTS-STARTPTS+%s/TB", sec(clip.StartMs)))
		chain = append(chain, scaleFilter(clip.Transform))
	case clip.TextContent != "":
		chain = append(chain,
			fmt.Sprintf("color=c=black@0:s=%dx%d:r=%d:d=%s", opts.Width, opts.Height, opts.FPS, sec(plan.DurationMs)),
			drawtextFilter(clip))
	case clip.Shape != nil:
		w, h := shapeSize(clip.Transform)
		chain = append(chain,
			fmt.Sprintf("color=c=%s:s=%dx%d:r=%d:d=%s", colorArg(clip.Shape.Color), w, h, opts.FPS, sec(plan.DurationMs)))
	default:
		return Overlay{}, fmt.Errorf("clip %s: no source", clip.ID)
	}

	if ck := clip.Effects.ChromaKey; ck != nil {
		chain = append(chain, fmt.Sprintf("colorkey=%s:%.3f:0.0", colorArg(ck.Color), ck.Tolerance))
	}
	if clip.Transform.Rotation != 0 {
		chain = append(chain, fmt.Sprintf("rotate=%.6f:c=black@0", clip.Transform.Rotation*degToRad))
	}

	needsAlpha := clip.Effects.Opacity < 1 || clip.TransitionIn != nil || clip.TransitionOut != nil
	if needsAlpha {
		chain = append(chain, "format=yuva420p")
	}
	if clip.Effects.Opacity < 1 {
		chain = append(chain, fmt.Sprintf("colorchannelmixer=aa=%.3f", clip.Effects.Opacity))
	}

	// Transitions fade against the global timeline, not clip-local time:
	// the stream's PTS was shifted to the clip's start above.
	if tr := clip.TransitionIn; tr != nil && tr.DurationMs > 0 {
		chain = append(chain, fmt.Sprintf("fade=t=in:st=%s:d=%s:alpha=1", sec(clip.StartMs), sec(tr.DurationMs)))
	}
	if tr := clip.TransitionOut; tr != nil && tr.DurationMs > 0 {
		chain = append(chain, fmt.Sprintf("fade=t=out:st=%s:d=%s:alpha=1", sec(clip.EndMs()-tr.DurationMs), sec(tr.DurationMs)))
	}

	ov.Chain = strings.Join(chain, ",")
	return ov, nil
}

const degToRad = 3.141592653589793 / 180

// sec renders milliseconds as an ffmpeg seconds argument.
func sec(ms int64) string {
	return fmt.Sprintf("%.3f", float64(ms)/1000)
}

func scaleFilter(tr model.Transform) string {
	if tr.Width > 0 && tr.Height > 0 {
		return fmt.Sprintf("scale=%d:%d", int(tr.Width*tr.Scale), int(tr.Height*tr.Scale))
	}
	if tr.Scale != 1 {
		return fmt.Sprintf("scale=iw*%.4f:ih*%.4f", tr.Scale, tr.Scale)
	}
	return "scale=iw:ih"
}

func shapeSize(tr model.Transform) (int, int) {
	w := int(tr.Width * tr.Scale)
	h := int(tr.Height * tr.Scale)
	if w <= 0 {
		w = 100
	}
	if h <= 0 {
		h = 100
	}
	return w, h
}

func drawtextFilter(clip model.VisualClip) string {
	size := 48.0
	color := "white"
	if st := clip.TextStyle; st != nil {
		if st.FontSize > 0 {
			size = st.FontSize
		}
		if st.Color != "" {
			color = colorArg(st.Color)
		}
	}
	return fmt.Sprintf("drawtext=text='%s':fontsize=%d:fontcolor=%s:x=%d:y=%d",
		escapeText(clip.TextContent), int(size), color,
		int(clip.Transform.X), int(clip.Transform.Y))
}

// colorArg converts "#rrggbb" to ffmpeg's 0xrrggbb form; named colors
// pass through.
func colorArg(c string) string {
	if strings.HasPrefix(c, "#") {
		return "0x" + c[1:]
	}
	return c
}

func escapeText(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	s = strings.ReplaceAll(s, `:`, `\:`)
	return s
}

// FilterGraph assembles the full filter_complex: a black base canvas,
// one labelled stream per overlay, and a bottom→top overlay/blend
// chain gated by each clip's activation window.
func (p *Plan) FilterGraph() string {
	var b strings.Builder
	fmt.Fprintf(&b, "color=c=black:s=%dx%d:r=%d:d=%s[base]",
		p.Opts.Width, p.Opts.Height, p.Opts.FPS, sec(p.DurationMs))

	for i, ov := range p.Overlays {
		b.WriteString(";")
		if ov.InputIndex >= 0 {
			fmt.Fprintf(&b, "[%d:v]", ov.InputIndex)
		}
		fmt.Fprintf(&b, "%s[ov%d]", ov.Chain, i)
	}

	prev := "[base]"
	for i, ov := range p.Overlays {
		out := fmt.Sprintf("[v%d]", i)
		if i == len(p.Overlays)-1 {
			out = "[vout]"
		}
		enable := fmt.Sprintf("enable='between(t,%s,%s)'", sec(ov.StartMs), sec(ov.EndMs))
		b.WriteString(";")
		if ov.BlendMode != model.BlendNormal && ov.BlendMode != "" {
			fmt.Fprintf(&b, "%s[ov%d]blend=all_mode=%s:%s%s", prev, i, ov.BlendMode, enable, out)
		} else {
			fmt.Fprintf(&b, "%s[ov%d]overlay=x=%d:y=%d:%s%s", prev, i, int(ov.X), int(ov.Y), enable, out)
		}
		prev = out
	}

	if len(p.Overlays) == 0 {
		return strings.Replace(b.String(), "[base]", "[vout]", 1)
	}
	return b.String()
}
