// Package prompts holds the audio prompts built into the binary. They are
// G.711 u-law WAV files (8 kHz, mono, 8-bit) decoded once at startup.
package prompts

//go:generate go run ./gen

import (
	"bytes"
	"embed"
	"fmt"

	"github.com/flowpbx/answermachine/internal/media"
)

// ExampleName is the prompt a wav signal plays when no file is configured.
const ExampleName = "example.wav"

// SystemFS holds the embedded prompts under system/.
//
//go:embed system/*.wav
var SystemFS embed.FS

// Load decodes the embedded prompt name into a player for the bridge.
func Load(name string) (*media.WAVPlayer, error) {
	data, err := SystemFS.ReadFile("system/" + name)
	if err != nil {
		return nil, fmt.Errorf("embedded prompt %s: %w", name, err)
	}
	p, err := media.LoadWAV(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding prompt %s: %w", name, err)
	}
	return p, nil
}
