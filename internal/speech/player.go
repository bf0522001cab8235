package speech

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
)

// Player plays a WAV buffer and blocks until playback ends.
type Player interface {
	Play(ctx context.Context, wav []byte) error
}

// CommandPlayer writes the audio to a temp file and runs the first local
// player found (afplay on macOS, aplay on Linux). With no player the file is
// kept and its path logged.
type CommandPlayer struct {
	candidates []string
	logger     *slog.Logger
}

func NewCommandPlayer(logger *slog.Logger) *CommandPlayer {
	return &CommandPlayer{candidates: []string{"afplay", "aplay"}, logger: logger}
}

func (p *CommandPlayer) Play(ctx context.Context, wav []byte) error {
	f, err := os.CreateTemp("", "speechlens-tts-*.wav")
	if err != nil {
		return fmt.Errorf("create audio file: %w", err)
	}
	path := f.Name()
	if _, err := f.Write(wav); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("write audio file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("close audio file: %w", err)
	}

	bin, ok := p.player()
	if !ok {
		p.logger.Warn("no audio player on PATH; kept synthesized audio", "path", path)
		return nil
	}
	defer os.Remove(path)

	out, err := exec.CommandContext(ctx, bin, path).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", bin, err, out)
	}
	return nil
}

func (p *CommandPlayer) player() (string, bool) {
	for _, c := range p.candidates {
		if path, ok := lookPath(c); ok {
			return path, true
		}
	}
	return "", false
}
