// Package timeline parses and validates the declarative timeline
// document supplied by the project store, producing the immutable value
// type the render pipeline works on.
package timeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/framecut/api/internal/model"
)

// Raw document shapes. Optional numeric fields are pointers so that an
// absent field can be defaulted instead of read as zero.
type document struct {
	DurationMs  *int64          `json:"duration_ms"`
	Layers      []layerDoc      `json:"layers"`
	AudioTracks []audioTrackDoc `json:"audio_tracks"`
}

type layerDoc struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	Type    string     `json:"type"`
	Order   int        `json:"order"`
	Visible *bool      `json:"visible"`
	Locked  bool       `json:"locked"`
	Clips   []clipDoc  `json:"clips"`
}

type clipDoc struct {
	ID            string            `json:"id"`
	AssetID       string            `json:"asset_id"`
	StartMs       int64             `json:"start_ms"`
	DurationMs    int64             `json:"duration_ms"`
	InPointMs     int64             `json:"in_point_ms"`
	OutPointMs    *int64            `json:"out_point_ms"`
	Transform     *transformDoc     `json:"transform"`
	Effects       *effectsDoc       `json:"effects"`
	TransitionIn  *model.Transition `json:"transition_in"`
	TransitionOut *model.Transition `json:"transition_out"`
	TextContent   string            `json:"text_content"`
	TextStyle     *model.TextStyle  `json:"text_style"`
	Shape         *model.Shape      `json:"shape"`
}

type transformDoc struct {
	X        float64  `json:"x"`
	Y        float64  `json:"y"`
	Width    float64  `json:"width"`
	Height   float64  `json:"height"`
	Scale    *float64 `json:"scale"`
	Rotation float64  `json:"rotation"`
	Anchor   string   `json:"anchor"`
}

type effectsDoc struct {
	Opacity   *float64         `json:"opacity"`
	BlendMode string           `json:"blend_mode"`
	ChromaKey *model.ChromaKey `json:"chroma_key"`
}

type audioTrackDoc struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Volume  *float64        `json:"volume"`
	Muted   bool            `json:"muted"`
	Ducking *model.Ducking  `json:"ducking"`
	Clips   []audioClipDoc  `json:"clips"`
}

type audioClipDoc struct {
	ID         string   `json:"id"`
	AssetID    string   `json:"asset_id"`
	StartMs    int64    `json:"start_ms"`
	DurationMs int64    `json:"duration_ms"`
	InPointMs  int64    `json:"in_point_ms"`
	OutPointMs *int64   `json:"out_point_ms"`
	Volume     *float64 `json:"volume"`
	FadeInMs   int64    `json:"fade_in_ms"`
	FadeOutMs  int64    `json:"fade_out_ms"`
}

// Parse validates a timeline document and returns the typed scene
// graph. DurationMs is derived from clip extents; a duration_ms present
// in the document is ignored. Parse is pure: no I/O, no allocation of
// job resources.
func Parse(doc []byte) (*model.Timeline, error) {
	var raw document
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, &ValidationError{Field: "document", Reason: fmt.Sprintf("malformed JSON: %v", err)}
	}

	t := &model.Timeline{
		Layers:      make([]model.Layer, 0, len(raw.Layers)),
		AudioTracks: make([]model.AudioTrack, 0, len(raw.AudioTracks)),
	}

	orders := make(map[int]string)
	for _, ld := range raw.Layers {
		layer, err := parseLayer(ld)
		if err != nil {
			return nil, err
		}
		if prev, dup := orders[layer.Order]; dup {
			return nil, &ValidationError{
				LayerID: layer.ID,
				Field:   "order",
				Reason:  fmt.Sprintf("duplicate order %d (already used by layer %s)", layer.Order, prev),
			}
		}
		orders[layer.Order] = layer.ID
		t.Layers = append(t.Layers, layer)
	}

	for _, td := range raw.AudioTracks {
		track, err := parseTrack(td)
		if err != nil {
			return nil, err
		}
		t.AudioTracks = append(t.AudioTracks, track)
	}

	t.DurationMs = deriveDuration(t)
	return t, nil
}

// deriveDuration computes max(start+duration) over every visual and
// audio clip. Recomputed on every mutation of the timeline.
func deriveDuration(t *model.Timeline) int64 {
	var max int64
	for _, layer := range t.Layers {
		for _, clip := range layer.Clips {
			if end := clip.EndMs(); end > max {
				max = end
			}
		}
	}
	for _, track := range t.AudioTracks {
		for _, clip := range track.Clips {
			if end := clip.EndMs(); end > max {
				max = end
			}
		}
	}
	return max
}

func parseLayer(ld layerDoc) (model.Layer, error) {
	if ld.ID == "" {
		return model.Layer{}, &ValidationError{Field: "layers", Reason: "layer missing id"}
	}
	if !validLayerType(ld.Type) {
		return model.Layer{}, &ValidationError{LayerID: ld.ID, Field: "type", Reason: fmt.Sprintf("unknown layer type %q", ld.Type)}
	}

	layer := model.Layer{
		ID:      ld.ID,
		Name:    ld.Name,
		Type:    model.LayerType(ld.Type),
		Order:   ld.Order,
		Visible: ld.Visible == nil || *ld.Visible,
		Locked:  ld.Locked,
		Clips:   make([]model.VisualClip, 0, len(ld.Clips)),
	}

	for _, cd := range ld.Clips {
		clip, err := parseClip(ld.ID, cd)
		if err != nil {
			return model.Layer{}, err
		}
		layer.Clips = append(layer.Clips, clip)
	}

	sort.Slice(layer.Clips, func(i, j int) bool {
		return layer.Clips[i].StartMs < layer.Clips[j].StartMs
	})
	for i := 1; i < len(layer.Clips); i++ {
		prev, cur := layer.Clips[i-1], layer.Clips[i]
		if cur.StartMs < prev.EndMs() {
			return model.Layer{}, &ValidationError{
				LayerID: ld.ID,
				ClipID:  cur.ID,
				Field:   "start_ms",
				Reason:  fmt.Sprintf("overlaps clip %s ([%d,%d) vs [%d,%d))", prev.ID, cur.StartMs, cur.EndMs(), prev.StartMs, prev.EndMs()),
			}
		}
	}
	return layer, nil
}

func parseClip(layerID string, cd clipDoc) (model.VisualClip, error) {
	fail := func(field, reason string) (model.VisualClip, error) {
		return model.VisualClip{}, &ValidationError{LayerID: layerID, ClipID: cd.ID, Field: field, Reason: reason}
	}
	if cd.ID == "" {
		return fail("id", "clip missing id")
	}
	if cd.StartMs < 0 {
		return fail("start_ms", "must be non-negative")
	}
	if cd.DurationMs <= 0 {
		return fail("duration_ms", "must be positive")
	}
	if cd.InPointMs < 0 {
		return fail("in_point_ms", "must be non-negative")
	}

	outPoint := cd.InPointMs + cd.DurationMs
	if cd.OutPointMs != nil {
		outPoint = *cd.OutPointMs
	}
	if cd.AssetID != "" && cd.InPointMs > outPoint {
		return fail("in_point_ms", fmt.Sprintf("trim window inverted (%d > %d)", cd.InPointMs, outPoint))
	}
	if cd.AssetID == "" && cd.TextContent == "" && cd.Shape == nil {
		return fail("asset_id", "clip has no asset, text, or shape source")
	}
	if cd.AssetID != "" && !validAssetID(cd.AssetID) {
		return fail("asset_id", "must not contain path separators")
	}

	clip := model.VisualClip{
		ID:            cd.ID,
		AssetID:       cd.AssetID,
		StartMs:       cd.StartMs,
		DurationMs:    cd.DurationMs,
		InPointMs:     cd.InPointMs,
		OutPointMs:    outPoint,
		Transform:     model.Transform{Scale: 1},
		Effects:       model.Effects{Opacity: 1, BlendMode: model.BlendNormal},
		TransitionIn:  cd.TransitionIn,
		TransitionOut: cd.TransitionOut,
		TextContent:   cd.TextContent,
		TextStyle:     cd.TextStyle,
		Shape:         cd.Shape,
	}

	if cd.Transform != nil {
		scale := 1.0
		if cd.Transform.Scale != nil {
			scale = *cd.Transform.Scale
		}
		if scale <= 0 {
			return fail("transform.scale", "must be positive")
		}
		if cd.Transform.Width < 0 || cd.Transform.Height < 0 {
			return fail("transform", "width/height must be non-negative")
		}
		clip.Transform = model.Transform{
			X:        cd.Transform.X,
			Y:        cd.Transform.Y,
			Width:    cd.Transform.Width,
			Height:   cd.Transform.Height,
			Scale:    scale,
			Rotation: cd.Transform.Rotation,
			Anchor:   cd.Transform.Anchor,
		}
	}

	if cd.Effects != nil {
		opacity := 1.0
		if cd.Effects.Opacity != nil {
			opacity = *cd.Effects.Opacity
		}
		if opacity < 0 || opacity > 1 {
			return fail("effects.opacity", "must be within [0,1]")
		}
		blend := model.BlendNormal
		if cd.Effects.BlendMode != "" {
			if !validBlendMode(cd.Effects.BlendMode) {
				return fail("effects.blend_mode", fmt.Sprintf("unknown blend mode %q", cd.Effects.BlendMode))
			}
			blend = model.BlendMode(cd.Effects.BlendMode)
		}
		if ck := cd.Effects.ChromaKey; ck != nil {
			if ck.Color == "" {
				return fail("effects.chroma_key.color", "required")
			}
			if ck.Tolerance < 0 || ck.Tolerance > 1 {
				return fail("effects.chroma_key.tolerance", "must be within [0,1]")
			}
		}
		clip.Effects = model.Effects{Opacity: opacity, BlendMode: blend, ChromaKey: cd.Effects.ChromaKey}
	}

	for _, tr := range []*model.Transition{clip.TransitionIn, clip.TransitionOut} {
		if tr == nil {
			continue
		}
		if !validTransitionType(string(tr.Type)) {
			return fail("transition.type", fmt.Sprintf("unknown transition %q", tr.Type))
		}
		if tr.DurationMs < 0 || tr.DurationMs > cd.DurationMs {
			return fail("transition.duration_ms", "must be within the clip duration")
		}
	}

	return clip, nil
}

func parseTrack(td audioTrackDoc) (model.AudioTrack, error) {
	fail := func(field, reason string) (model.AudioTrack, error) {
		return model.AudioTrack{}, &ValidationError{TrackID: td.ID, Field: field, Reason: reason}
	}
	if td.ID == "" {
		return model.AudioTrack{}, &ValidationError{Field: "audio_tracks", Reason: "track missing id"}
	}
	if !validTrackType(td.Type) {
		return fail("type", fmt.Sprintf("unknown track type %q", td.Type))
	}

	volume := 1.0
	if td.Volume != nil {
		volume = *td.Volume
	}
	if volume < 0 || volume > 1 {
		return fail("volume", "must be within [0,1]")
	}

	if d := td.Ducking; d != nil && d.Enabled {
		if d.DuckTo < 0 || d.DuckTo > 1 {
			return fail("ducking.duck_to", "must be within [0,1]")
		}
		if d.AttackMs < 0 || d.ReleaseMs < 0 {
			return fail("ducking", "attack_ms/release_ms must be non-negative")
		}
	}

	track := model.AudioTrack{
		ID:      td.ID,
		Type:    model.TrackType(td.Type),
		Volume:  volume,
		Muted:   td.Muted,
		Ducking: td.Ducking,
		Clips:   make([]model.AudioClip, 0, len(td.Clips)),
	}

	for _, cd := range td.Clips {
		clip, err := parseAudioClip(td.ID, cd)
		if err != nil {
			return model.AudioTrack{}, err
		}
		track.Clips = append(track.Clips, clip)
	}

	sort.Slice(track.Clips, func(i, j int) bool {
		return track.Clips[i].StartMs < track.Clips[j].StartMs
	})
	for i := 1; i < len(track.Clips); i++ {
		prev, cur := track.Clips[i-1], track.Clips[i]
		if cur.StartMs < prev.EndMs() {
			return model.AudioTrack{}, &ValidationError{
				TrackID: td.ID,
				ClipID:  cur.ID,
				Field:   "start_ms",
				Reason:  fmt.Sprintf("overlaps clip %s", prev.ID),
			}
		}
	}
	return track, nil
}

func parseAudioClip(trackID string, cd audioClipDoc) (model.AudioClip, error) {
	fail := func(field, reason string) (model.AudioClip, error) {
		return model.AudioClip{}, &ValidationError{TrackID: trackID, ClipID: cd.ID, Field: field, Reason: reason}
	}
	if cd.ID == "" {
		return fail("id", "clip missing id")
	}
	if cd.AssetID == "" {
		return fail("asset_id", "required")
	}
	if !validAssetID(cd.AssetID) {
		return fail("asset_id", "must not contain path separators")
	}
	if cd.StartMs < 0 {
		return fail("start_ms", "must be non-negative")
	}
	if cd.DurationMs <= 0 {
		return fail("duration_ms", "must be positive")
	}
	if cd.InPointMs < 0 {
		return fail("in_point_ms", "must be non-negative")
	}

	outPoint := cd.InPointMs + cd.DurationMs
	if cd.OutPointMs != nil {
		outPoint = *cd.OutPointMs
	}
	if cd.InPointMs > outPoint {
		return fail("in_point_ms", fmt.Sprintf("trim window inverted (%d > %d)", cd.InPointMs, outPoint))
	}

	volume := 1.0
	if cd.Volume != nil {
		volume = *cd.Volume
	}
	if volume < 0 || volume > 1 {
		return fail("volume", "must be within [0,1]")
	}
	if cd.FadeInMs < 0 || cd.FadeOutMs < 0 {
		return fail("fade", "fade_in_ms/fade_out_ms must be non-negative")
	}

	return model.AudioClip{
		ID:         cd.ID,
		AssetID:    cd.AssetID,
		StartMs:    cd.StartMs,
		DurationMs: cd.DurationMs,
		InPointMs:  cd.InPointMs,
		OutPointMs: outPoint,
		Volume:     volume,
		FadeInMs:   cd.FadeInMs,
		FadeOutMs:  cd.FadeOutMs,
	}, nil
}

func validLayerType(s string) bool {
	for _, t := range model.ValidLayerTypes {
		if string(t) == s {
			return true
		}
	}
	return false
}

func validTrackType(s string) bool {
	for _, t := range model.ValidTrackTypes {
		if string(t) == s {
			return true
		}
	}
	return false
}

func validBlendMode(s string) bool {
	for _, m := range model.ValidBlendModes {
		if string(m) == s {
			return true
		}
	}
	return false
}

func validTransitionType(s string) bool {
	for _, t := range model.ValidTransitionTypes {
		if string(t) == s {
			return true
		}
	}
	return false
}

// Asset ids become staging file names downstream; anything that could
// escape the staging directory is rejected here, at the boundary.
func validAssetID(id string) bool {
	return id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}
