package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"pedalboard-service/internal/audio"
	"pedalboard-service/internal/effects"
	"pedalboard-service/internal/models"
)

// displayPeak is the normalization target for the waveform display copies.
const displayPeak = 0.7

// objectStore is the slice of the storage adapter the handler needs.
type objectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, body []byte, contentType string) error
}

// AudioHandler applies a job's effect chain to its input object and writes the
// processed output plus peak-normalized display copies of both signals.
type AudioHandler struct {
	storage      objectStore
	outputPrefix string
}

// NewAudioHandler constructs the handler.
func NewAudioHandler(storage objectStore, outputPrefix string) *AudioHandler {
	if outputPrefix == "" {
		outputPrefix = "output/"
	}
	return &AudioHandler{storage: storage, outputPrefix: outputPrefix}
}

// Handle downloads, transforms, and uploads one job's audio.
// Storage errors are transient; undecodable audio is permanent.
func (h *AudioHandler) Handle(ctx context.Context, job models.Job) (Result, error) {
	inputData, err := h.storage.Download(ctx, job.InputKey)
	if err != nil {
		return Result{}, fmt.Errorf("download input: %w", err)
	}

	clip, err := audio.Decode(inputData)
	if err != nil {
		return Result{}, Permanent(fmt.Errorf("decode input audio: %w", err))
	}

	chain := effects.BuildChain(job.EffectChain)

	processed := &audio.Clip{
		Channels:   chain.Apply(cloneChannels(clip.Channels), float64(clip.SampleRate)),
		SampleRate: clip.SampleRate,
		BitDepth:   clip.BitDepth,
	}
	outputData, err := processed.Encode()
	if err != nil {
		return Result{}, Permanent(fmt.Errorf("encode output audio: %w", err))
	}

	inputNorm, err := normalizedCopy(clip)
	if err != nil {
		return Result{}, Permanent(fmt.Errorf("normalize input: %w", err))
	}
	outputNorm, err := normalizedCopy(processed)
	if err != nil {
		return Result{}, Permanent(fmt.Errorf("normalize output: %w", err))
	}

	outputID := strings.ReplaceAll(uuid.New().String(), "-", "")
	result := Result{
		OutputKey:           fmt.Sprintf("%s%s.wav", h.outputPrefix, outputID),
		InputNormalizedKey:  fmt.Sprintf("%snormalized/input_%s.wav", h.outputPrefix, outputID),
		OutputNormalizedKey: fmt.Sprintf("%snormalized/output_%s.wav", h.outputPrefix, outputID),
	}

	if err := h.storage.Upload(ctx, result.OutputKey, outputData, "audio/wav"); err != nil {
		return Result{}, fmt.Errorf("upload output: %w", err)
	}
	if err := h.storage.Upload(ctx, result.InputNormalizedKey, inputNorm, "audio/wav"); err != nil {
		return Result{}, fmt.Errorf("upload normalized input: %w", err)
	}
	if err := h.storage.Upload(ctx, result.OutputNormalizedKey, outputNorm, "audio/wav"); err != nil {
		return Result{}, fmt.Errorf("upload normalized output: %w", err)
	}

	return result, nil
}

func normalizedCopy(clip *audio.Clip) ([]byte, error) {
	norm := &audio.Clip{
		Channels:   cloneChannels(clip.Channels),
		SampleRate: clip.SampleRate,
		BitDepth:   clip.BitDepth,
	}
	norm.NormalizePeak(displayPeak)
	return norm.Encode()
}

func cloneChannels(channels [][]float64) [][]float64 {
	out := make([][]float64, len(channels))
	for i, ch := range channels {
		out[i] = make([]float64, len(ch))
		copy(out[i], ch)
	}
	return out
}
