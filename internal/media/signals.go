package media

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"
)

// WAV format codes accepted by LoadWAV.
const (
	wavFormatPCM  = 1
	wavFormatPCMA = 6
	wavFormatPCMU = 7
)

// defaultAmplitude keeps generated tones well clear of clipping when mixed.
const defaultAmplitude = 0.3

// Tone is a bridge source producing a sine wave, optionally keyed on and
// off in a repeating cadence. It is a source only; PutFrame drops audio.
type Tone struct {
	step      float64 // phase advance per sample
	peak      float64
	onSamples int // 0 means continuous
	period    int

	phase float64
	pos   int // position within the cadence period
}

// NewTone returns a continuous tone at freqHz.
func NewTone(freqHz float64) *Tone {
	return &Tone{
		step: 2 * math.Pi * freqHz / ClockRate,
		peak: defaultAmplitude * 32767,
	}
}

// NewCadenceTone returns a tone that plays for on and is silent for off,
// repeating. Ringback in most of Europe is 425 Hz, 1 s on and 4 s off.
func NewCadenceTone(freqHz float64, on, off time.Duration) *Tone {
	t := NewTone(freqHz)
	t.onSamples = int(on.Seconds() * ClockRate)
	t.period = t.onSamples + int(off.Seconds()*ClockRate)
	return t
}

// NewRingback returns the 425 Hz 1 s on 4 s off ringback cadence at freqHz.
func NewRingback(freqHz float64) *Tone {
	return NewCadenceTone(freqHz, time.Second, 4*time.Second)
}

func (t *Tone) GetFrame(frame []int16) bool {
	for i := range frame {
		if t.onSamples > 0 && t.pos >= t.onSamples {
			frame[i] = 0
		} else {
			frame[i] = int16(t.peak * math.Sin(t.phase))
		}
		t.phase += t.step
		if t.phase > 2*math.Pi {
			t.phase -= 2 * math.Pi
		}
		if t.period > 0 {
			t.pos = (t.pos + 1) % t.period
		}
	}
	return true
}

func (t *Tone) PutFrame([]int16) {}

// WAVPlayer loops a decoded WAV file into the bridge.
type WAVPlayer struct {
	samples []int16
	pos     int
}

// LoadWAVFile reads and decodes the WAV file at path.
func LoadWAVFile(path string) (*WAVPlayer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading wav file: %w", err)
	}
	p, err := LoadWAV(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return p, nil
}

// LoadWAV decodes an 8 kHz mono WAV stream in G.711 u-law, G.711 a-law or
// 16-bit linear PCM.
func LoadWAV(r io.ReadSeeker) (*WAVPlayer, error) {
	hdr, err := parseWAVHeader(r)
	if err != nil {
		return nil, fmt.Errorf("parsing wav header: %w", err)
	}
	if hdr.NumChannels != 1 {
		return nil, fmt.Errorf("wav file must be mono, got %d channels", hdr.NumChannels)
	}
	if hdr.SampleRate != ClockRate {
		return nil, fmt.Errorf("wav file must be %d Hz, got %d Hz", ClockRate, hdr.SampleRate)
	}

	data, err := io.ReadAll(io.LimitReader(r, int64(hdr.DataSize)))
	if err != nil {
		return nil, fmt.Errorf("reading audio data: %w", err)
	}

	var samples []int16
	switch {
	case hdr.AudioFormat == wavFormatPCMU && hdr.BitsPerSample == 8:
		samples = make([]int16, len(data))
		CodecPCMU.Decode(samples, data)
	case hdr.AudioFormat == wavFormatPCMA && hdr.BitsPerSample == 8:
		samples = make([]int16, len(data))
		CodecPCMA.Decode(samples, data)
	case hdr.AudioFormat == wavFormatPCM && hdr.BitsPerSample == 16:
		samples = make([]int16, len(data)/2)
		for i := range samples {
			samples[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
		}
	default:
		return nil, fmt.Errorf("unsupported wav encoding: format %d, %d-bit", hdr.AudioFormat, hdr.BitsPerSample)
	}
	if len(samples) == 0 {
		return nil, errors.New("wav file has no audio data")
	}
	return &WAVPlayer{samples: samples}, nil
}

// Duration returns the length of one pass through the file.
func (p *WAVPlayer) Duration() time.Duration {
	return time.Duration(len(p.samples)) * time.Second / ClockRate
}

func (p *WAVPlayer) GetFrame(frame []int16) bool {
	for i := range frame {
		frame[i] = p.samples[p.pos]
		p.pos++
		if p.pos == len(p.samples) {
			p.pos = 0
		}
	}
	return true
}

func (p *WAVPlayer) PutFrame([]int16) {}

// wavHeader holds the parsed fields from a WAV file header.
type wavHeader struct {
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	BitsPerSample uint16
	DataSize      uint32 // size of the "data" chunk in bytes
}

// parseWAVHeader walks the RIFF chunks until "data", leaving r positioned
// at the first audio byte.
func parseWAVHeader(r io.ReadSeeker) (*wavHeader, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, fmt.Errorf("reading riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" {
		return nil, errors.New("not a RIFF file")
	}
	if string(riff[8:12]) != "WAVE" {
		return nil, errors.New("not a WAVE file")
	}

	hdr := &wavHeader{}
	foundFmt := false
	for {
		var chunk struct {
			ID   [4]byte
			Size uint32
		}
		if err := binary.Read(r, binary.LittleEndian, &chunk); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, errors.New("wav file missing data chunk")
			}
			return nil, fmt.Errorf("reading chunk header: %w", err)
		}

		switch string(chunk.ID[:]) {
		case "fmt ":
			if chunk.Size < 16 {
				return nil, fmt.Errorf("fmt chunk too small: %d bytes", chunk.Size)
			}
			var f struct {
				AudioFormat   uint16
				NumChannels   uint16
				SampleRate    uint32
				ByteRate      uint32
				BlockAlign    uint16
				BitsPerSample uint16
			}
			if err := binary.Read(r, binary.LittleEndian, &f); err != nil {
				return nil, fmt.Errorf("reading fmt chunk: %w", err)
			}
			hdr.AudioFormat = f.AudioFormat
			hdr.NumChannels = f.NumChannels
			hdr.SampleRate = f.SampleRate
			hdr.BitsPerSample = f.BitsPerSample
			if err := skipChunk(r, chunk.Size-16); err != nil {
				return nil, err
			}
			foundFmt = true

		case "data":
			if !foundFmt {
				return nil, errors.New("wav data chunk before fmt chunk")
			}
			hdr.DataSize = chunk.Size
			return hdr, nil

		default:
			if err := skipChunk(r, chunk.Size); err != nil {
				return nil, err
			}
		}
	}
}

// skipChunk skips size bytes plus the pad byte of odd-sized chunks.
func skipChunk(r io.Seeker, size uint32) error {
	skip := int64(size)
	if size%2 != 0 {
		skip++
	}
	if skip == 0 {
		return nil
	}
	if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
		return fmt.Errorf("skipping wav chunk: %w", err)
	}
	return nil
}
