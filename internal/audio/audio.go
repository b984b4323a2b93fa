// Package audio holds the normalized waveform representation the workflow
// consumes and the minimal 16-bit PCM WAV framing needed to slice it back
// into per-segment files. Codec conversion beyond that is a pre-processing
// concern outside this service.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	ErrNotWAV         = errors.New("not a RIFF/WAVE file")
	ErrUnsupportedWAV = errors.New("unsupported wav encoding: want 16-bit PCM")
)

// Waveform is a decoded mono 16-bit PCM signal.
type Waveform struct {
	Samples    []int16
	SampleRate int
}

// Duration returns the signal length in seconds.
func (w *Waveform) Duration() float64 {
	if w.SampleRate == 0 {
		return 0
	}
	return float64(len(w.Samples)) / float64(w.SampleRate)
}

// Slice returns the samples between start and end (seconds), clamped to the
// signal bounds. The returned slice aliases the waveform's backing array.
func (w *Waveform) Slice(start, end float64) []int16 {
	if end < start {
		start, end = end, start
	}
	from := int(start * float64(w.SampleRate))
	to := int(end * float64(w.SampleRate))
	if from < 0 {
		from = 0
	}
	if to > len(w.Samples) {
		to = len(w.Samples)
	}
	if from >= to {
		return nil
	}
	return w.Samples[from:to]
}

// LoadWAV reads and decodes a WAV file from disk.
func LoadWAV(path string) (*Waveform, error) {
	f, err := os.Open(path) //nolint:gosec // path is resolved by the storage layer
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer func() { _ = f.Close() }()
	return DecodeWAV(f)
}

// DecodeWAV parses a 16-bit PCM WAV stream. Multi-channel input is downmixed
// to mono by averaging channels, matching the upstream normalization step.
func DecodeWAV(r io.Reader) (*Waveform, error) {
	var riff struct {
		ChunkID [4]byte
		Size    uint32
		Format  [4]byte
	}
	if err := binary.Read(r, binary.LittleEndian, &riff); err != nil {
		return nil, fmt.Errorf("read riff header: %w", err)
	}
	if string(riff.ChunkID[:]) != "RIFF" || string(riff.Format[:]) != "WAVE" {
		return nil, ErrNotWAV
	}

	var (
		channels   int
		sampleRate int
		haveFmt    bool
	)
	for {
		var hdr struct {
			ID   [4]byte
			Size uint32
		}
		if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("missing data chunk: %w", ErrNotWAV)
			}
			return nil, fmt.Errorf("read chunk header: %w", err)
		}
		switch string(hdr.ID[:]) {
		case "fmt ":
			var f struct {
				AudioFormat   uint16
				NumChannels   uint16
				SampleRate    uint32
				ByteRate      uint32
				BlockAlign    uint16
				BitsPerSample uint16
			}
			if hdr.Size < 16 {
				return nil, ErrUnsupportedWAV
			}
			if err := binary.Read(r, binary.LittleEndian, &f); err != nil {
				return nil, fmt.Errorf("read fmt chunk: %w", err)
			}
			if f.AudioFormat != 1 || f.BitsPerSample != 16 || f.NumChannels == 0 {
				return nil, ErrUnsupportedWAV
			}
			channels = int(f.NumChannels)
			sampleRate = int(f.SampleRate)
			haveFmt = true
			if skip := int64(hdr.Size) - 16; skip > 0 {
				if _, err := io.CopyN(io.Discard, r, skip); err != nil {
					return nil, fmt.Errorf("skip fmt extension: %w", err)
				}
			}
		case "data":
			if !haveFmt {
				return nil, fmt.Errorf("data chunk before fmt: %w", ErrNotWAV)
			}
			raw := make([]byte, hdr.Size)
			if _, err := io.ReadFull(r, raw); err != nil {
				return nil, fmt.Errorf("read data chunk: %w", err)
			}
			return decodeSamples(raw, channels, sampleRate), nil
		default:
			skip := int64(hdr.Size)
			if hdr.Size%2 == 1 {
				skip++ // chunks are word-aligned
			}
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return nil, fmt.Errorf("skip chunk %q: %w", hdr.ID, err)
			}
		}
	}
}

func decodeSamples(raw []byte, channels, sampleRate int) *Waveform {
	frames := len(raw) / (2 * channels)
	samples := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int
		for ch := 0; ch < channels; ch++ {
			off := (i*channels + ch) * 2
			sum += int(int16(binary.LittleEndian.Uint16(raw[off:])))
		}
		samples[i] = int16(sum / channels)
	}
	return &Waveform{Samples: samples, SampleRate: sampleRate}
}

// EncodeWAV frames mono 16-bit PCM samples as a canonical WAV byte slice.
func EncodeWAV(samples []int16, sampleRate int) []byte {
	dataSize := len(samples) * 2
	buf := bytes.NewBuffer(make([]byte, 0, 44+dataSize))
	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(buf, binary.LittleEndian, uint16(1)) // mono
	_ = binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(buf, binary.LittleEndian, uint32(sampleRate*2)) // byte rate
	_ = binary.Write(buf, binary.LittleEndian, uint16(2))            // block align
	_ = binary.Write(buf, binary.LittleEndian, uint16(16))           // bits per sample
	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, uint32(dataSize))
	_ = binary.Write(buf, binary.LittleEndian, samples)
	return buf.Bytes()
}
