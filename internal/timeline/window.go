package timeline

import "github.com/framecut/api/internal/model"

// Window trims a timeline to the half-open span [startMs, endMs),
// shifting surviving clips so the window begins at t=0. Clips cut at
// the head advance their in-point by the clipped amount so the source
// trim stays aligned. Used for partial export and for the segmented
// rendering strategy. The input is not mutated.
func Window(t *model.Timeline, startMs, endMs int64) *model.Timeline {
	if endMs <= 0 || endMs > t.DurationMs {
		endMs = t.DurationMs
	}
	if startMs < 0 {
		startMs = 0
	}
	if startMs >= endMs {
		return &model.Timeline{}
	}

	out := &model.Timeline{}
	for _, layer := range t.Layers {
		l := layer
		l.Clips = nil
		for _, clip := range layer.Clips {
			if c, ok := windowVisualClip(clip, startMs, endMs); ok {
				l.Clips = append(l.Clips, c)
			}
		}
		out.Layers = append(out.Layers, l)
	}
	for _, track := range t.AudioTracks {
		tr := track
		if track.Ducking != nil {
			d := *track.Ducking
			tr.Ducking = &d
		}
		tr.Clips = nil
		for _, clip := range track.Clips {
			if c, ok := windowAudioClip(clip, startMs, endMs); ok {
				tr.Clips = append(tr.Clips, c)
			}
		}
		out.AudioTracks = append(out.AudioTracks, tr)
	}
	out.DurationMs = deriveDuration(out)
	if out.DurationMs > endMs-startMs {
		out.DurationMs = endMs - startMs
	}
	return out
}

func windowVisualClip(c model.VisualClip, startMs, endMs int64) (model.VisualClip, bool) {
	if c.EndMs() <= startMs || c.StartMs >= endMs {
		return model.VisualClip{}, false
	}
	head := int64(0)
	if c.StartMs < startMs {
		head = startMs - c.StartMs
	}
	newStart := c.StartMs + head - startMs
	newEnd := c.EndMs() - startMs
	if limit := endMs - startMs; newEnd > limit {
		newEnd = limit
	}
	c.StartMs = newStart
	c.DurationMs = newEnd - newStart
	c.InPointMs += head
	if c.OutPointMs > c.InPointMs+c.DurationMs {
		c.OutPointMs = c.InPointMs + c.DurationMs
	}
	return c, c.DurationMs > 0
}

func windowAudioClip(c model.AudioClip, startMs, endMs int64) (model.AudioClip, bool) {
	if c.EndMs() <= startMs || c.StartMs >= endMs {
		return model.AudioClip{}, false
	}
	head := int64(0)
	if c.StartMs < startMs {
		head = startMs - c.StartMs
	}
	newStart := c.StartMs + head - startMs
	newEnd := c.EndMs() - startMs
	if limit := endMs - startMs; newEnd > limit {
		newEnd = limit
	}
	c.StartMs = newStart
	c.DurationMs = newEnd - newStart
	c.InPointMs += head
	if c.OutPointMs > c.InPointMs+c.DurationMs {
		c.OutPointMs = c.InPointMs + c.DurationMs
	}
	return c, c.DurationMs > 0
}
