package library

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encodeWAV renders a tone to WAV bytes via a temp file.
func encodeWAV(t *testing.T, seconds float64) []byte {
	t.Helper()
	track := ToneTrack("tmp", 8000, seconds, 440)
	f, err := os.CreateTemp(t.TempDir(), "tone-*.wav")
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, wav.Encode(f, track.Buffer.Streamer(0, track.Buffer.Len()), track.Buffer.Format()))
	data, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	return data
}

func TestToneTrack(t *testing.T) {
	track := ToneTrack("a", 8000, 2, 220)
	assert.Equal(t, 16000, track.Buffer.Len())
	assert.Equal(t, 2*time.Second, track.Duration)
	assert.InDelta(t, 2.0, track.Seconds(), 1e-9)
	assert.NotEmpty(t, track.ID)
}

func TestDecode_WAV(t *testing.T) {
	data := encodeWAV(t, 1.5)

	track, err := Decode(Blob{Name: "bed.wav", Data: data})
	require.NoError(t, err)
	assert.Equal(t, "bed.wav", track.Name)
	assert.Equal(t, 1500*time.Millisecond, track.Duration)
}

func TestDecode_SniffsWithoutExtension(t *testing.T) {
	track, err := Decode(Blob{Name: "upload", Data: encodeWAV(t, 0.5)})
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, track.Duration)
}

func TestDecode_Unsupported(t *testing.T) {
	_, err := Decode(Blob{Name: "notes.txt", Data: []byte("hello")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "notes.txt", de.Name)
}

func TestDecode_Corrupt(t *testing.T) {
	_, err := Decode(Blob{Name: "broken.wav", Data: []byte("RIFF....WAVEjunk")})
	assert.Error(t, err)
}

func TestLibrary_LoadIsAllOrNothing(t *testing.T) {
	good := Blob{Name: "good.wav", Data: encodeWAV(t, 0.25)}
	lib := New()

	require.NoError(t, lib.Load([]Blob{good}))
	require.Equal(t, 1, lib.Len())
	first := lib.Tracks()[0]

	err := lib.Load([]Blob{good, {Name: "bad.mp3", Data: []byte("nope")}, good})
	require.Error(t, err)
	assert.Equal(t, 1, lib.Len(), "failed batch must not change the library")
	assert.Equal(t, first.ID, lib.Tracks()[0].ID)

	assert.ErrorIs(t, lib.Load(nil), ErrEmptyBatch)
	assert.Equal(t, 1, lib.Len())

	require.NoError(t, lib.Load([]Blob{good, good}))
	assert.Equal(t, []string{"good.wav", "good.wav"}, lib.Names())
}

func TestReadDir(t *testing.T) {
	dir := t.TempDir()
	wavData := encodeWAV(t, 0.1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.wav"), wavData, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.WAV"), wavData, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.md"), []byte("#"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.wav"), 0o755))

	blobs, err := ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, blobs, 2)
	assert.Equal(t, "a.WAV", blobs[0].Name)
	assert.Equal(t, "b.wav", blobs[1].Name)

	_, err = ReadDir(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestSupportedExtension(t *testing.T) {
	for name, want := range map[string]bool{
		"a.mp3": true, "b.FLAC": true, "c.ogg": true, "d.wav": true,
		"e.aac": false, "f": false,
	} {
		assert.Equal(t, want, SupportedExtension(name), name)
	}
}

func TestNewTrackDuration(t *testing.T) {
	buf := beep.NewBuffer(beep.Format{SampleRate: 44100, NumChannels: 2, Precision: 2})
	track := NewTrack("empty", buf)
	assert.Zero(t, track.Duration)
}
