// Package library holds the decoded audio tracks the engine plays from.
package library

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/vorbis"
	"github.com/gopxl/beep/v2/wav"
	"github.com/samber/lo"
)

var (
	ErrEmptyBatch        = errors.New("no audio files to load")
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrEmptyTrack        = errors.New("decoded track has no samples")
)

// DecodeError reports which file in a batch failed.
type DecodeError struct {
	Name string
	Err  error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode %s: %v", e.Name, e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// Blob is an encoded audio file.
type Blob struct {
	Name string
	Data []byte
}

// Track is a fully decoded audio file held in memory.
type Track struct {
	ID       string
	Name     string
	Buffer   *beep.Buffer
	Duration time.Duration
}

// NewTrack wraps an already decoded buffer.
func NewTrack(name string, buf *beep.Buffer) *Track {
	return &Track{
		ID:       uuid.NewString(),
		Name:     name,
		Buffer:   buf,
		Duration: buf.Format().SampleRate.D(buf.Len()),
	}
}

// Seconds returns the track length in seconds.
func (t *Track) Seconds() float64 { return t.Duration.Seconds() }

// Decode decodes a single blob. The container is chosen from the file
// extension, falling back to the leading magic bytes.
func Decode(b Blob) (*Track, error) {
	streamer, format, err := open(b)
	if err != nil {
		return nil, &DecodeError{Name: b.Name, Err: err}
	}
	defer streamer.Close()

	buf := beep.NewBuffer(format)
	buf.Append(streamer)
	if err := streamer.Err(); err != nil {
		return nil, &DecodeError{Name: b.Name, Err: err}
	}
	if buf.Len() == 0 {
		return nil, &DecodeError{Name: b.Name, Err: ErrEmptyTrack}
	}
	return NewTrack(b.Name, buf), nil
}

func open(b Blob) (beep.StreamSeekCloser, beep.Format, error) {
	r := bytes.NewReader(b.Data)
	switch detect(b) {
	case "wav":
		return wav.Decode(r)
	case "flac":
		return flac.Decode(r)
	case "ogg":
		return vorbis.Decode(io.NopCloser(r))
	case "mp3":
		return mp3.Decode(io.NopCloser(r))
	}
	return nil, beep.Format{}, ErrUnsupportedFormat
}

func detect(b Blob) string {
	switch strings.ToLower(filepath.Ext(b.Name)) {
	case ".wav", ".wave":
		return "wav"
	case ".flac":
		return "flac"
	case ".ogg", ".oga":
		return "ogg"
	case ".mp3":
		return "mp3"
	}
	switch {
	case bytes.HasPrefix(b.Data, []byte("RIFF")):
		return "wav"
	case bytes.HasPrefix(b.Data, []byte("fLaC")):
		return "flac"
	case bytes.HasPrefix(b.Data, []byte("OggS")):
		return "ogg"
	case bytes.HasPrefix(b.Data, []byte("ID3")),
		len(b.Data) > 1 && b.Data[0] == 0xFF && b.Data[1]&0xE0 == 0xE0:
		return "mp3"
	}
	return ""
}

// DecodeAll decodes every blob or none: the first failure aborts the batch.
func DecodeAll(blobs []Blob) ([]*Track, error) {
	if len(blobs) == 0 {
		return nil, ErrEmptyBatch
	}
	tracks := make([]*Track, 0, len(blobs))
	for _, b := range blobs {
		t, err := Decode(b)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return tracks, nil
}

// SupportedExtension reports whether name looks like a decodable file.
func SupportedExtension(name string) bool {
	return lo.Contains([]string{".wav", ".wave", ".flac", ".ogg", ".oga", ".mp3"}, strings.ToLower(filepath.Ext(name)))
}

// ReadDir reads every supported audio file in dir, sorted by name.
func ReadDir(dir string) ([]Blob, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var blobs []Blob
	for _, e := range entries {
		if e.IsDir() || !SupportedExtension(e.Name()) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		blobs = append(blobs, Blob{Name: e.Name(), Data: data})
	}
	sort.Slice(blobs, func(i, j int) bool { return blobs[i].Name < blobs[j].Name })
	return blobs, nil
}

// Library is the set of tracks available to the engine. It is safe for
// concurrent use.
type Library struct {
	mu     sync.RWMutex
	tracks []*Track
}

// New returns a library holding tracks.
func New(tracks ...*Track) *Library {
	return &Library{tracks: tracks}
}

// Load decodes blobs and replaces the library contents. On failure the
// current contents are left untouched.
func (l *Library) Load(blobs []Blob) error {
	tracks, err := DecodeAll(blobs)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.tracks = tracks
	l.mu.Unlock()
	return nil
}

// Tracks returns the current tracks.
func (l *Library) Tracks() []*Track {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*Track(nil), l.tracks...)
}

// Len returns the number of tracks.
func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.tracks)
}

// Names returns the track names in library order.
func (l *Library) Names() []string {
	return lo.Map(l.Tracks(), func(t *Track, _ int) string { return t.Name })
}
