package audio

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeWAVPCM16LE(t *testing.T) {
	pcm := make([]byte, 3200)
	wav, err := EncodeWAVPCM16LE(pcm, 16000)
	require.NoError(t, err)

	require.Len(t, wav, headerSize+len(pcm))
	assert.True(t, IsWAV(wav))
	assert.Equal(t, "fmt ", string(wav[12:16]))
	assert.Equal(t, uint32(16000), binary.LittleEndian.Uint32(wav[24:28]))
	assert.Equal(t, uint32(32000), binary.LittleEndian.Uint32(wav[28:32]))
	assert.Equal(t, "data", string(wav[36:40]))
	assert.Equal(t, uint32(len(pcm)), binary.LittleEndian.Uint32(wav[40:44]))
	assert.Equal(t, uint32(36+len(pcm)), binary.LittleEndian.Uint32(wav[4:8]))
}

func TestEncodeWAVPCM16LERejects(t *testing.T) {
	_, err := EncodeWAVPCM16LE([]byte{1, 2, 3}, 16000)
	assert.ErrorIs(t, err, ErrOddPCM)

	_, err = EncodeWAVPCM16LE([]byte{1, 2}, 0)
	assert.ErrorIs(t, err, ErrNoSample)
}

func TestFrame(t *testing.T) {
	wav, err := Frame([]byte{0, 0, 1, 0}, 8000)
	require.NoError(t, err)
	assert.True(t, IsWAV(wav))

	same, err := Frame(wav, 0)
	require.NoError(t, err)
	assert.Equal(t, wav, same)

	_, err = Frame([]byte("ID3 not a wav"), 0)
	assert.ErrorIs(t, err, ErrNotWAV)
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, Duration(3200, 16000))
	assert.Zero(t, Duration(3200, 0))
}
