package speech

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// CommandSpeaker runs a local TTS binary such as espeak or say, with the
// text as its last argument.
type CommandSpeaker struct {
	path string
	args []string
}

func NewCommandSpeaker(command string) (*CommandSpeaker, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, errors.New("tts command is empty")
	}
	path, ok := lookPath(fields[0])
	if !ok {
		return nil, fmt.Errorf("tts command %q not found on PATH", fields[0])
	}
	return &CommandSpeaker{path: path, args: fields[1:]}, nil
}

func (s *CommandSpeaker) Speak(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	args := append(append([]string(nil), s.args...), text)
	out, err := exec.CommandContext(ctx, s.path, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("tts command: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
