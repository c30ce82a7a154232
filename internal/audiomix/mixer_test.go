package audiomix

import (
	"context"
	"math"
	"os"
	"testing"

	"github.com/framecut/api/internal/model"
)

const testRate = 8000 // keeps test buffers small; the math is rate-independent

// constDecoder returns a fixed-amplitude source of the given length
// for every asset path.
type constDecoder struct {
	amplitude  float64
	durationMs int64
}

func (d constDecoder) Decode(ctx context.Context, path string) ([]float64, error) {
	frames := int(d.durationMs) * testRate / 1000
	out := make([]float64, frames*2)
	for i := range out {
		out[i] = d.amplitude
	}
	return out, nil
}

func audioClip(id string, startMs, durMs int64, volume float64) model.AudioClip {
	return model.AudioClip{
		ID: id, AssetID: "asset-" + id,
		StartMs: startMs, DurationMs: durMs,
		InPointMs: 0, OutPointMs: durMs,
		Volume: volume,
	}
}

func sourcesFor(tracks ...model.AudioTrack) map[string]string {
	m := make(map[string]string)
	for _, tr := range tracks {
		for _, c := range tr.Clips {
			m[c.AssetID] = "/staged/" + c.AssetID
		}
	}
	return m
}

func approx(t *testing.T, got, want, tol float64, what string) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s = %v, want %v (±%v)", what, got, want, tol)
	}
}

func TestMixClipVolumeAndPlacement(t *testing.T) {
	track := model.AudioTrack{
		ID: "t1", Type: model.TrackBGM, Volume: 1,
		Clips: []model.AudioClip{audioClip("c1", 1000, 2000, 0.5)},
	}
	m := NewMixer(constDecoder{amplitude: 1, durationMs: 5000}, testRate)
	buf, err := m.Mix(context.Background(), []model.AudioTrack{track}, 4000, sourcesFor(track))
	if err != nil {
		t.Fatalf("Mix: %v", err)
	}

	approx(t, buf.AtMs(500), 0, 1e-9, "before clip")
	approx(t, buf.AtMs(2000), 0.5, 1e-9, "inside clip")
	approx(t, buf.AtMs(3500), 0, 1e-9, "after clip")
}

func TestMixFadeEnvelopes(t *testing.T) {
	clip := audioClip("c1", 0, 4000, 1)
	clip.FadeInMs = 1000
	clip.FadeOutMs = 1000
	track := model.AudioTrack{ID: "t1", Type: model.TrackBGM, Volume: 1, Clips: []model.AudioClip{clip}}

	m := NewMixer(constDecoder{amplitude: 1, durationMs: 5000}, testRate)
	buf, err := m.Mix(context.Background(), []model.AudioTrack{track}, 4000, sourcesFor(track))
	if err != nil {
		t.Fatalf("Mix: %v", err)
	}

	// Linear ramps: half gain midway through each fade, unity between.
	approx(t, buf.AtMs(500), 0.5, 0.01, "fade-in midpoint")
	approx(t, buf.AtMs(2000), 1.0, 0.01, "plateau")
	approx(t, buf.AtMs(3500), 0.5, 0.01, "fade-out midpoint")
}

func TestMixTrimWindow(t *testing.T) {
	// Decoder emitting a short source: clip asks for more than the
	// trim window provides, remainder is silence.
	clip := model.AudioClip{
		ID: "c1", AssetID: "asset-c1",
		StartMs: 0, DurationMs: 3000,
		InPointMs: 1000, OutPointMs: 2000,
		Volume: 1,
	}
	track := model.AudioTrack{ID: "t1", Type: model.TrackSE, Volume: 1, Clips: []model.AudioClip{clip}}

	m := NewMixer(constDecoder{amplitude: 0.8, durationMs: 2000}, testRate)
	buf, err := m.Mix(context.Background(), []model.AudioTrack{track}, 3000, sourcesFor(track))
	if err != nil {
		t.Fatalf("Mix: %v", err)
	}

	approx(t, buf.AtMs(500), 0.8, 1e-9, "within trim window")
	approx(t, buf.AtMs(1500), 0, 1e-9, "past out_point")
}

func TestMixEmptyTrackContributesSilence(t *testing.T) {
	tracks := []model.AudioTrack{
		{ID: "empty", Type: model.TrackSE, Volume: 1},
		{ID: "bgm", Type: model.TrackBGM, Volume: 1,
			Clips: []model.AudioClip{audioClip("c1", 0, 2000, 0.4)}},
	}
	m := NewMixer(constDecoder{amplitude: 1, durationMs: 5000}, testRate)
	buf, err := m.Mix(context.Background(), tracks, 2000, sourcesFor(tracks...))
	if err != nil {
		t.Fatalf("Mix: %v", err)
	}
	approx(t, buf.AtMs(1000), 0.4, 1e-9, "mix with empty track")
}

func TestMixSumWithoutNormalization(t *testing.T) {
	// Two full-scale tracks sum past 1.0; the mix must not rescale.
	tracks := []model.AudioTrack{
		{ID: "a", Type: model.TrackSE, Volume: 1,
			Clips: []model.AudioClip{audioClip("c1", 0, 1000, 1)}},
		{ID: "b", Type: model.TrackSE, Volume: 1,
			Clips: []model.AudioClip{audioClip("c2", 0, 1000, 1)}},
	}
	m := NewMixer(constDecoder{amplitude: 0.9, durationMs: 2000}, testRate)
	buf, err := m.Mix(context.Background(), tracks, 1000, sourcesFor(tracks...))
	if err != nil {
		t.Fatalf("Mix: %v", err)
	}
	approx(t, buf.AtMs(500), 1.8, 1e-9, "unnormalized sum")
}

// The §8-style scenario: narration [0, 4800) at volume 1, BGM [0, 5000)
// at volume 0.3 ducked to 0.1 with attack 200ms, release 500ms.
func TestDuckingSettleAndRecovery(t *testing.T) {
	narration := model.AudioTrack{
		ID: "nar", Type: model.TrackNarration, Volume: 1,
		Clips: []model.AudioClip{audioClip("n1", 0, 4800, 1)},
	}
	bgm := model.AudioTrack{
		ID: "bgm", Type: model.TrackBGM, Volume: 1,
		Ducking: &model.Ducking{Enabled: true, DuckTo: 0.1, AttackMs: 200, ReleaseMs: 500},
		Clips:   []model.AudioClip{audioClip("b1", 0, 6000, 0.3)},
	}

	// Narration decodes to silence so the BGM gain is readable from
	// the mix directly.
	m := NewMixer(silentFor("asset-n1", constDecoder{amplitude: 1, durationMs: 6000}), testRate)
	buf, err := m.Mix(context.Background(), []model.AudioTrack{narration, bgm}, 6000,
		sourcesFor(narration, bgm))
	if err != nil {
		t.Fatalf("Mix: %v", err)
	}

	// Settled to volume × duck_to within attack_ms of onset.
	approx(t, buf.AtMs(250), 0.3*0.1, 0.005, "gain after attack")
	approx(t, buf.AtMs(2000), 0.3*0.1, 0.005, "gain mid-narration")
	// Midway through the release ramp.
	approx(t, buf.AtMs(4800+250), 0.3*(0.1+0.5*0.9), 0.01, "gain mid-release")
	// Recovered to full volume within release_ms of offset.
	approx(t, buf.AtMs(5400), 0.3, 0.005, "gain after release")
}

func TestDuckingUnionNoDoubleDucking(t *testing.T) {
	// Two overlapping narration clips on separate tracks: the duck
	// envelope is their union, never duck_to squared.
	nar1 := model.AudioTrack{
		ID: "nar1", Type: model.TrackNarration, Volume: 1,
		Clips: []model.AudioClip{audioClip("n1", 0, 3000, 1)},
	}
	nar2 := model.AudioTrack{
		ID: "nar2", Type: model.TrackNarration, Volume: 1,
		Clips: []model.AudioClip{audioClip("n2", 2000, 3000, 1)},
	}
	bgm := model.AudioTrack{
		ID: "bgm", Type: model.TrackBGM, Volume: 1,
		Ducking: &model.Ducking{Enabled: true, DuckTo: 0.2, AttackMs: 0, ReleaseMs: 0},
		Clips:   []model.AudioClip{audioClip("b1", 0, 6000, 0.5)},
	}

	dec := silentFor("asset-n1", silentFor("asset-n2", constDecoder{amplitude: 1, durationMs: 6000}))
	m := NewMixer(dec, testRate)
	buf, err := m.Mix(context.Background(), []model.AudioTrack{nar1, nar2, bgm}, 6000,
		sourcesFor(nar1, nar2, bgm))
	if err != nil {
		t.Fatalf("Mix: %v", err)
	}

	approx(t, buf.AtMs(2500), 0.5*0.2, 0.005, "gain inside overlap")
	approx(t, buf.AtMs(5500), 0.5, 0.005, "gain after all narration")
}

func TestDuckingBridgesShortGaps(t *testing.T) {
	// Gap of 300ms with release 500ms: the envelope must hold duck_to
	// across the pause instead of pumping.
	nar := model.AudioTrack{
		ID: "nar", Type: model.TrackNarration, Volume: 1,
		Clips: []model.AudioClip{
			audioClip("n1", 0, 1000, 1),
			audioClip("n2", 1300, 1000, 1),
		},
	}
	bgm := model.AudioTrack{
		ID: "bgm", Type: model.TrackBGM, Volume: 1,
		Ducking: &model.Ducking{Enabled: true, DuckTo: 0.1, AttackMs: 0, ReleaseMs: 500},
		Clips:   []model.AudioClip{audioClip("b1", 0, 4000, 1)},
	}

	m := NewMixer(silentFor("asset-n1", silentFor("asset-n2", constDecoder{amplitude: 1, durationMs: 4000})), testRate)
	buf, err := m.Mix(context.Background(), []model.AudioTrack{nar, bgm}, 4000,
		sourcesFor(nar, bgm))
	if err != nil {
		t.Fatalf("Mix: %v", err)
	}

	approx(t, buf.AtMs(1150), 0.1, 0.005, "gain held across short gap")
}

func TestMutedTrackSilent(t *testing.T) {
	track := model.AudioTrack{
		ID: "t1", Type: model.TrackBGM, Volume: 1, Muted: true,
		Clips: []model.AudioClip{audioClip("c1", 0, 2000, 1)},
	}
	m := NewMixer(constDecoder{amplitude: 1, durationMs: 5000}, testRate)
	buf, err := m.Mix(context.Background(), []model.AudioTrack{track}, 2000, sourcesFor(track))
	if err != nil {
		t.Fatalf("Mix: %v", err)
	}
	approx(t, buf.AtMs(1000), 0, 1e-9, "muted track output")
}

func TestBufferSliceAndWAV(t *testing.T) {
	track := model.AudioTrack{
		ID: "t1", Type: model.TrackBGM, Volume: 1,
		Clips: []model.AudioClip{audioClip("c1", 0, 2000, 0.5)},
	}
	m := NewMixer(constDecoder{amplitude: 1, durationMs: 5000}, testRate)
	buf, err := m.Mix(context.Background(), []model.AudioTrack{track}, 4000, sourcesFor(track))
	if err != nil {
		t.Fatalf("Mix: %v", err)
	}

	sl := buf.Slice(1000, 3000)
	if sl.DurationMs() != 2000 {
		t.Errorf("slice duration = %dms, want 2000", sl.DurationMs())
	}
	approx(t, sl.AtMs(500), 0.5, 1e-9, "slice start maps to source t=1500")
	approx(t, sl.AtMs(1500), 0, 1e-9, "slice tail past clip end")

	path := t.TempDir() + "/mix.wav"
	if err := buf.WriteWAV(path); err != nil {
		t.Fatalf("WriteWAV: %v", err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat wav: %v", err)
	}
	wantSize := int64(44 + buf.Frames()*2*2)
	if fi.Size() != wantSize {
		t.Errorf("wav size = %d, want %d", fi.Size(), wantSize)
	}
}

// silentFor wraps a decoder, returning silence for one asset path.
type silentAssets struct {
	silentPath string
	inner      SourceDecoder
}

func silentFor(assetID string, inner SourceDecoder) SourceDecoder {
	return silentAssets{silentPath: "/staged/" + assetID, inner: inner}
}

func (s silentAssets) Decode(ctx context.Context, path string) ([]float64, error) {
	out, err := s.inner.Decode(ctx, path)
	if err != nil {
		return nil, err
	}
	if path == s.silentPath {
		silent := make([]float64, len(out))
		return silent, nil
	}
	return out, nil
}
