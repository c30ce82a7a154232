package model

// Layer types
type LayerType string

const (
	LayerBackground LayerType = "background"
	LayerContent    LayerType = "content"
	LayerAvatar     LayerType = "avatar"
	LayerEffects    LayerType = "effects"
	LayerText       LayerType = "text"
)

var ValidLayerTypes = []LayerType{
	LayerBackground, LayerContent, LayerAvatar, LayerEffects, LayerText,
}

// Blend modes
type BlendMode string

const (
	BlendNormal   BlendMode = "normal"
	BlendMultiply BlendMode = "multiply"
	BlendScreen   BlendMode = "screen"
	BlendOverlay  BlendMode = "overlay"
	BlendAddition BlendMode = "addition"
)

var ValidBlendModes = []BlendMode{
	BlendNormal, BlendMultiply, BlendScreen, BlendOverlay, BlendAddition,
}

// Transition types
type TransitionType string

const (
	TransitionFade  TransitionType = "fade"
	TransitionSlide TransitionType = "slide"
	TransitionWipe  TransitionType = "wipe"
)

var ValidTransitionTypes = []TransitionType{
	TransitionFade, TransitionSlide, TransitionWipe,
}

// Timeline is the validated, immutable scene graph for one render job.
// DurationMs is always derived from clip extents; a duration present in
// the source document is ignored.
type Timeline struct {
	DurationMs  int64        `json:"duration_ms"`
	Layers      []Layer      `json:"layers"`
	AudioTracks []AudioTrack `json:"audio_tracks"`
}

// Layer is one visual z-slice. Layers composite from the lowest Order
// value (bottom) to the highest (top).
type Layer struct {
	ID      string       `json:"id"`
	Name    string       `json:"name"`
	Type    LayerType    `json:"type"`
	Order   int          `json:"order"`
	Visible bool         `json:"visible"`
	Locked  bool         `json:"locked"`
	Clips   []VisualClip `json:"clips"`
}

// VisualClip places a trimmed source window (or a text/shape source) on
// the global timeline. AssetID is empty for text and shape clips.
type VisualClip struct {
	ID            string      `json:"id"`
	AssetID       string      `json:"asset_id,omitempty"`
	StartMs       int64       `json:"start_ms"`
	DurationMs    int64       `json:"duration_ms"`
	InPointMs     int64       `json:"in_point_ms"`
	OutPointMs    int64       `json:"out_point_ms"`
	Transform     Transform   `json:"transform"`
	Effects       Effects     `json:"effects"`
	TransitionIn  *Transition `json:"transition_in,omitempty"`
	TransitionOut *Transition `json:"transition_out,omitempty"`
	TextContent   string      `json:"text_content,omitempty"`
	TextStyle     *TextStyle  `json:"text_style,omitempty"`
	Shape         *Shape      `json:"shape,omitempty"`
}

// EndMs returns the clip's exclusive end on the global timeline.
func (c VisualClip) EndMs() int64 { return c.StartMs + c.DurationMs }

type Transform struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Scale    float64 `json:"scale"`
	Rotation float64 `json:"rotation"`
	Anchor   string  `json:"anchor,omitempty"`
}

type Effects struct {
	Opacity   float64    `json:"opacity"`
	BlendMode BlendMode  `json:"blend_mode"`
	ChromaKey *ChromaKey `json:"chroma_key,omitempty"`
}

type ChromaKey struct {
	Color     string  `json:"color"`
	Tolerance float64 `json:"tolerance"`
}

type Transition struct {
	Type       TransitionType `json:"type"`
	DurationMs int64          `json:"duration_ms"`
}

type TextStyle struct {
	FontFamily string  `json:"font_family,omitempty"`
	FontSize   float64 `json:"font_size"`
	Color      string  `json:"color"`
}

type Shape struct {
	Kind  string `json:"kind"`
	Color string `json:"color"`
}

// Snapshot returns a deep copy. The job controller snapshots the
// timeline at job start so concurrent project edits never reach an
// in-flight render.
func (t *Timeline) Snapshot() *Timeline {
	cp := &Timeline{
		DurationMs:  t.DurationMs,
		Layers:      make([]Layer, len(t.Layers)),
		AudioTracks: make([]AudioTrack, len(t.AudioTracks)),
	}
	for i, layer := range t.Layers {
		l := layer
		l.Clips = make([]VisualClip, len(layer.Clips))
		for j, clip := range layer.Clips {
			c := clip
			if clip.TransitionIn != nil {
				ti := *clip.TransitionIn
				c.TransitionIn = &ti
			}
			if clip.TransitionOut != nil {
				to := *clip.TransitionOut
				c.TransitionOut = &to
			}
			if clip.Effects.ChromaKey != nil {
				ck := *clip.Effects.ChromaKey
				c.Effects.ChromaKey = &ck
			}
			if clip.TextStyle != nil {
				ts := *clip.TextStyle
				c.TextStyle = &ts
			}
			if clip.Shape != nil {
				sh := *clip.Shape
				c.Shape = &sh
			}
			l.Clips[j] = c
		}
		cp.Layers[i] = l
	}
	for i, track := range t.AudioTracks {
		tr := track
		if track.Ducking != nil {
			d := *track.Ducking
			tr.Ducking = &d
		}
		tr.Clips = make([]AudioClip, len(track.Clips))
		copy(tr.Clips, track.Clips)
		cp.AudioTracks[i] = tr
	}
	return cp
}

// AssetIDs returns the set of asset ids referenced by any clip.
func (t *Timeline) AssetIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, layer := range t.Layers {
		for _, clip := range layer.Clips {
			add(clip.AssetID)
		}
	}
	for _, track := range t.AudioTracks {
		for _, clip := range track.Clips {
			add(clip.AssetID)
		}
	}
	return ids
}
