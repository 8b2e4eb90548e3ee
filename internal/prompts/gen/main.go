// Command gen writes the embedded example prompt: a two-note chime followed
// by silence, as a G.711 u-law WAV file.
//
// Usage: go generate ./internal/prompts
package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/flowpbx/answermachine/internal/media"
)

// note is one tone of the chime.
type note struct {
	freqHz     float64
	durationMs int
}

var chime = []note{
	{660, 400},
	{0, 100},
	{880, 600},
	{0, 900},
}

const amplitude = 8000

func main() {
	dir := "system"
	if err := os.MkdirAll(dir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "error creating directory: %v\n", err)
		os.Exit(1)
	}

	path := filepath.Join(dir, "example.wav")
	if err := writeUlawWAV(path, synthesize(chime)); err != nil {
		fmt.Fprintf(os.Stderr, "error writing %s: %v\n", path, err)
		os.Exit(1)
	}
	fi, _ := os.Stat(path)
	fmt.Printf("created %s (%d bytes)\n", path, fi.Size())
}

// synthesize renders notes as linear PCM with a short linear fade at both
// ends of each tone.
func synthesize(notes []note) []int16 {
	const fade = media.ClockRate / 100 // 10ms
	var pcm []int16
	for _, n := range notes {
		count := media.ClockRate * n.durationMs / 1000
		for i := range count {
			if n.freqHz == 0 {
				pcm = append(pcm, 0)
				continue
			}
			gain := 1.0
			if i < fade {
				gain = float64(i) / fade
			} else if count-i < fade {
				gain = float64(count-i) / fade
			}
			v := amplitude * gain * math.Sin(2*math.Pi*n.freqHz*float64(i)/media.ClockRate)
			pcm = append(pcm, int16(v))
		}
	}
	return pcm
}

// writeUlawWAV writes pcm as an 8 kHz mono u-law WAV file.
func writeUlawWAV(path string, pcm []int16) error {
	data := media.CodecPCMU.Encode(nil, pcm)
	dataSize := uint32(len(data))

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	// RIFF header
	f.Write([]byte("RIFF"))
	binary.Write(f, binary.LittleEndian, uint32(36+dataSize)) // file size - 8
	f.Write([]byte("WAVE"))

	// fmt chunk
	f.Write([]byte("fmt "))
	binary.Write(f, binary.LittleEndian, uint32(16))   // chunk size
	binary.Write(f, binary.LittleEndian, uint16(7))    // audio format: 7 = u-law
	binary.Write(f, binary.LittleEndian, uint16(1))    // channels: mono
	binary.Write(f, binary.LittleEndian, uint32(8000)) // sample rate
	binary.Write(f, binary.LittleEndian, uint32(8000)) // byte rate (8000 * 1 * 1)
	binary.Write(f, binary.LittleEndian, uint16(1))    // block align
	binary.Write(f, binary.LittleEndian, uint16(8))    // bits per sample

	// data chunk
	f.Write([]byte("data"))
	binary.Write(f, binary.LittleEndian, dataSize)

	_, err = f.Write(data)
	return err
}
