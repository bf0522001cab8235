// Package audio frames inbound clips so the transcriber always receives a
// WAV container.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	channels      = 1
	bitsPerSample = 16
	formatPCM     = 1
	headerSize    = 44
)

var (
	ErrOddPCM   = errors.New("pcm16 payload has odd length")
	ErrNotWAV   = errors.New("payload is not a RIFF/WAVE stream")
	ErrNoSample = errors.New("sample rate must be positive")
)

// wavHeader is the canonical 44-byte header for uncompressed mono PCM16.
type wavHeader struct {
	RIFF          [4]byte
	ChunkSize     uint32
	WAVE          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Data          [4]byte
	DataSize      uint32
}

// EncodeWAVPCM16LE wraps raw PCM16LE mono samples in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, ErrNoSample
	}
	if len(pcm)%2 != 0 {
		return nil, ErrOddPCM
	}
	h := wavHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(headerSize - 8 + len(pcm)),
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   formatPCM,
		Channels:      channels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * channels * bitsPerSample / 8),
		BlockAlign:    channels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(len(pcm)),
	}
	var buf bytes.Buffer
	buf.Grow(headerSize + len(pcm))
	if err := binary.Write(&buf, binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("write wav header: %w", err)
	}
	buf.Write(pcm)
	return buf.Bytes(), nil
}

// IsWAV reports whether b starts with a RIFF/WAVE header.
func IsWAV(b []byte) bool {
	return len(b) >= 12 && string(b[0:4]) == "RIFF" && string(b[8:12]) == "WAVE"
}

// Frame returns clip as WAV: raw PCM16 when sampleRate > 0, an existing
// WAV stream otherwise.
func Frame(clip []byte, sampleRate int) ([]byte, error) {
	if sampleRate > 0 {
		return EncodeWAVPCM16LE(clip, sampleRate)
	}
	if !IsWAV(clip) {
		return nil, ErrNotWAV
	}
	return clip, nil
}

// Duration of PCM16 mono audio at sampleRate.
func Duration(pcmBytes, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := pcmBytes / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
