package engine

import "time"

// BedStatus describes the playing bed segment.
type BedStatus struct {
	ID     string        `json:"id"`
	Track  string        `json:"track"`
	Offset time.Duration `json:"offset"`
	Start  time.Time     `json:"start"`
	End    time.Time     `json:"end"`
	Rate   float64       `json:"rate"`
}

// LayerStatus describes an overlay layer.
type LayerStatus struct {
	ID    string    `json:"id"`
	Track string    `json:"track"`
	End   time.Time `json:"end"`
}

// Status is a snapshot of the engine.
type Status struct {
	State        string        `json:"state"`
	Settings     Settings      `json:"settings"`
	HeartRate    float64       `json:"heart_rate"`
	Motion       float64       `json:"motion"`
	Activity     float64       `json:"activity"`
	PlaybackRate float64       `json:"playback_rate"`
	Bed          *BedStatus    `json:"bed,omitempty"`
	Layers       []LayerStatus `json:"layers"`
	ExploreTrack string        `json:"explore_track,omitempty"`
	ExploreUntil *time.Time    `json:"explore_until,omitempty"`
	NextRoundAt  *time.Time    `json:"next_round_at,omitempty"`
	ActiveVoices int           `json:"active_voices"`
	LibrarySize  int           `json:"library_size"`
}

// Status returns a snapshot of the engine.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	s := Status{
		State:        e.state.String(),
		Settings:     e.settings,
		HeartRate:    e.hr,
		Motion:       e.motion,
		Activity:     activity(e.hr, e.motion),
		PlaybackRate: playbackRate(e.hr),
		Layers:       make([]LayerStatus, 0, len(e.layers)),
		ActiveVoices: e.graph.Active(now),
		LibrarySize:  len(e.tracks.Tracks()),
	}
	if seg := e.current; seg != nil {
		s.Bed = &BedStatus{
			ID:     seg.id,
			Track:  seg.track.Name,
			Offset: seg.offset,
			Start:  seg.start,
			End:    seg.end,
			Rate:   seg.voice.Rate(),
		}
	}
	for _, l := range e.layers {
		s.Layers = append(s.Layers, LayerStatus{ID: l.id, Track: l.track.Name, End: l.end})
	}
	if e.lock.track != nil {
		until := e.lock.until
		s.ExploreTrack = e.lock.track.Name
		s.ExploreUntil = &until
	}
	if !e.nextAt.IsZero() {
		next := e.nextAt
		s.NextRoundAt = &next
	}
	return s
}
