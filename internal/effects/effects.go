package effects

import (
	"sort"

	"pedalboard-service/internal/models"
)

// Definition describes one catalog entry: its default parameters and the
// constructor for the underlying processor.
type Definition struct {
	Kind   string
	Params map[string]float64
}

// catalog maps pedal names to processors, tuned after the hardware units they
// mimic. Drive pedals are ordered weak to strong.
var catalog = map[string]Definition{
	"Booster_Preamp":  {Kind: "gain", Params: map[string]float64{"gain_db": 6}},
	"Blues Driver":    {Kind: "distortion", Params: map[string]float64{"drive_db": 10}},
	"SUPER OverDrive": {Kind: "distortion", Params: map[string]float64{"drive_db": 15}},
	"Distortion":      {Kind: "distortion", Params: map[string]float64{"drive_db": 30}},
	"Fuzz":            {Kind: "distortion", Params: map[string]float64{"drive_db": 33}},
	"Metal Zone":      {Kind: "distortion", Params: map[string]float64{"drive_db": 36}},
	"Heavy Metal":     {Kind: "distortion", Params: map[string]float64{"drive_db": 50}},
	"Chorus":          {Kind: "chorus", Params: map[string]float64{"rate_hz": 1.0, "depth": 0.25}},
	"Dimension":       {Kind: "chorus", Params: map[string]float64{"rate_hz": 0.5, "depth": 0.15}},
	"Vibrato":         {Kind: "chorus", Params: map[string]float64{"rate_hz": 0.3, "depth": 0.5, "mix": 1.0}},
	"Delay":           {Kind: "delay", Params: map[string]float64{"delay_seconds": 0.35, "feedback": 0.4}},
	"Reverb":          {Kind: "reverb", Params: map[string]float64{"room_size": 0.5}},
}

// CatalogEntry is the API-facing description of an available effect.
type CatalogEntry struct {
	Name          string             `json:"name"`
	Kind          string             `json:"class_name"`
	DefaultParams map[string]float64 `json:"default_params"`
}

// Catalog lists the available effects in a stable order.
func Catalog() []CatalogEntry {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]CatalogEntry, 0, len(names))
	for _, name := range names {
		def := catalog[name]
		out = append(out, CatalogEntry{Name: name, Kind: def.Kind, DefaultParams: def.Params})
	}
	return out
}

// Chain is an ordered sequence of processors applied front to back.
type Chain []processor

// BuildChain resolves an effect chain into processors. Unknown effect names
// are skipped, not errored; custom params merge over the catalog defaults.
func BuildChain(configs []models.EffectConfig) Chain {
	chain := make(Chain, 0, len(configs))
	for _, cfg := range configs {
		def, ok := catalog[cfg.Name]
		if !ok {
			continue
		}
		params := make(map[string]float64, len(def.Params)+len(cfg.Params))
		for k, v := range def.Params {
			params[k] = v
		}
		for k, v := range cfg.Params {
			params[k] = v
		}
		chain = append(chain, newProcessor(def.Kind, params))
	}
	return chain
}

// Apply runs the chain over multi-channel samples in order. Samples are
// float64 in [-1, 1]; each channel is processed independently.
func (c Chain) Apply(channels [][]float64, sampleRate float64) [][]float64 {
	for _, p := range c {
		for i := range channels {
			channels[i] = p.process(channels[i], sampleRate)
		}
	}
	return channels
}
