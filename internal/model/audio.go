package model

// Audio track types
type TrackType string

const (
	TrackNarration TrackType = "narration"
	TrackBGM       TrackType = "bgm"
	TrackSE        TrackType = "se"
)

var ValidTrackTypes = []TrackType{TrackNarration, TrackBGM, TrackSE}

// AudioTrack holds temporally non-overlapping audio clips plus optional
// sidechain ducking triggered by narration-track activity.
type AudioTrack struct {
	ID      string      `json:"id"`
	Type    TrackType   `json:"type"`
	Volume  float64     `json:"volume"`
	Muted   bool        `json:"muted"`
	Ducking *Ducking    `json:"ducking,omitempty"`
	Clips   []AudioClip `json:"clips"`
}

// Ducking attenuates the owning track while any narration clip is
// active: gain ramps to DuckTo over AttackMs on onset and back to 1.0
// over ReleaseMs after the narration ends.
type Ducking struct {
	Enabled   bool    `json:"enabled"`
	DuckTo    float64 `json:"duck_to"`
	AttackMs  int64   `json:"attack_ms"`
	ReleaseMs int64   `json:"release_ms"`
}

type AudioClip struct {
	ID         string  `json:"id"`
	AssetID    string  `json:"asset_id"`
	StartMs    int64   `json:"start_ms"`
	DurationMs int64   `json:"duration_ms"`
	InPointMs  int64   `json:"in_point_ms"`
	OutPointMs int64   `json:"out_point_ms"`
	Volume     float64 `json:"volume"`
	FadeInMs   int64   `json:"fade_in_ms"`
	FadeOutMs  int64   `json:"fade_out_ms"`
}

// EndMs returns the clip's exclusive end on the global timeline.
func (c AudioClip) EndMs() int64 { return c.StartMs + c.DurationMs }
