package worker

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pedalboard-service/internal/audio"
	"pedalboard-service/internal/models"
)

// fakeObjectStore serves and records objects in memory.
type fakeObjectStore struct {
	objects map[string][]byte
	uploads map[string][]byte
	downErr error
	upErr   error
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{
		objects: make(map[string][]byte),
		uploads: make(map[string][]byte),
	}
}

func (f *fakeObjectStore) Download(_ context.Context, key string) ([]byte, error) {
	if f.downErr != nil {
		return nil, f.downErr
	}
	data, ok := f.objects[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return data, nil
}

func (f *fakeObjectStore) Upload(_ context.Context, key string, body []byte, _ string) error {
	if f.upErr != nil {
		return f.upErr
	}
	f.uploads[key] = body
	return nil
}

func testWav(t *testing.T) []byte {
	t.Helper()
	sampleRate := 8000
	samples := make([]float64, sampleRate/10)
	for i := range samples {
		samples[i] = 0.3 * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate))
	}
	clip := &audio.Clip{Channels: [][]float64{samples}, SampleRate: sampleRate, BitDepth: 16}
	data, err := clip.Encode()
	require.NoError(t, err)
	return data
}

func TestAudioHandlerProcessesJob(t *testing.T) {
	fs := newFakeObjectStore()
	fs.objects["input/guitar.wav"] = testWav(t)

	h := NewAudioHandler(fs, "output/")
	job := models.Job{
		ID:          "j1",
		InputKey:    "input/guitar.wav",
		EffectChain: []models.EffectConfig{{Name: "Reverb"}},
	}

	result, err := h.Handle(context.Background(), job)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(result.OutputKey, "output/"))
	assert.True(t, strings.HasPrefix(result.InputNormalizedKey, "output/normalized/input_"))
	assert.True(t, strings.HasPrefix(result.OutputNormalizedKey, "output/normalized/output_"))

	require.Len(t, fs.uploads, 3)
	for key, data := range fs.uploads {
		decoded, err := audio.Decode(data)
		require.NoError(t, err, "upload %s must be valid wav", key)
		assert.Equal(t, 8000, decoded.SampleRate)
	}

	// Display copies are normalized to the target peak.
	norm, err := audio.Decode(fs.uploads[result.InputNormalizedKey])
	require.NoError(t, err)
	assert.InDelta(t, displayPeak, norm.Peak(), 1e-2)
}

func TestAudioHandlerMalformedInputIsPermanent(t *testing.T) {
	fs := newFakeObjectStore()
	fs.objects["input/bad.wav"] = []byte("definitely not audio")

	h := NewAudioHandler(fs, "output/")
	_, err := h.Handle(context.Background(), models.Job{ID: "j1", InputKey: "input/bad.wav"})

	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestAudioHandlerDownloadErrorIsTransient(t *testing.T) {
	fs := newFakeObjectStore()
	fs.downErr = errors.New("s3 unavailable")

	h := NewAudioHandler(fs, "output/")
	_, err := h.Handle(context.Background(), models.Job{ID: "j1", InputKey: "input/guitar.wav"})

	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestAudioHandlerUploadErrorIsTransient(t *testing.T) {
	fs := newFakeObjectStore()
	fs.objects["input/guitar.wav"] = testWav(t)
	fs.upErr = errors.New("s3 unavailable")

	h := NewAudioHandler(fs, "output/")
	_, err := h.Handle(context.Background(), models.Job{
		ID:       "j1",
		InputKey: "input/guitar.wav",
	})

	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestAudioHandlerEmptyChainPassesThrough(t *testing.T) {
	fs := newFakeObjectStore()
	original := testWav(t)
	fs.objects["input/guitar.wav"] = original

	h := NewAudioHandler(fs, "output/")
	result, err := h.Handle(context.Background(), models.Job{ID: "j1", InputKey: "input/guitar.wav"})
	require.NoError(t, err)

	out, err := audio.Decode(fs.uploads[result.OutputKey])
	require.NoError(t, err)
	in, err := audio.Decode(original)
	require.NoError(t, err)
	assert.InDelta(t, in.Channels[0][100], out.Channels[0][100], 1e-3)
}
