package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	DefaultTTSModel = "gpt-4o-mini-tts"
	DefaultTTSVoice = "ash"
	DefaultSTTModel = "whisper-1"

	ttsInstructions = "Speak in a calm, friendly, natural tone at a relaxed pace."
)

func newOpenAIClient(apiKey string) openai.Client {
	return openai.NewClient(option.WithAPIKey(apiKey))
}

// OpenAISpeaker synthesizes WAV audio with the OpenAI speech API and hands
// it to a Player.
type OpenAISpeaker struct {
	client openai.Client
	model  string
	voice  string
	player Player
}

func NewOpenAISpeaker(client openai.Client, model, voice string, player Player) *OpenAISpeaker {
	if strings.TrimSpace(model) == "" {
		model = DefaultTTSModel
	}
	if strings.TrimSpace(voice) == "" {
		voice = DefaultTTSVoice
	}
	return &OpenAISpeaker{client: client, model: model, voice: voice, player: player}
}

func (s *OpenAISpeaker) Speak(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	res, err := s.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Input:          text,
		Model:          openai.SpeechModel(s.model),
		Voice:          openai.AudioSpeechNewParamsVoice(s.voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatWAV,
		Instructions:   openai.String(ttsInstructions),
	})
	if err != nil {
		return fmt.Errorf("openai speech: %w", err)
	}
	defer res.Body.Close()

	wav, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read speech audio: %w", err)
	}
	if len(wav) == 0 {
		return errors.New("openai speech: empty audio")
	}
	return s.player.Play(ctx, wav)
}

// OpenAITranscriber transcribes clips with the OpenAI transcription API.
type OpenAITranscriber struct {
	client   openai.Client
	model    string
	language string
}

func NewOpenAITranscriber(client openai.Client, model, language string) *OpenAITranscriber {
	if strings.TrimSpace(model) == "" {
		model = DefaultSTTModel
	}
	return &OpenAITranscriber{client: client, model: model, language: strings.TrimSpace(language)}
}

func (t *OpenAITranscriber) Transcribe(ctx context.Context, wav []byte) (string, error) {
	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(wav), "utterance.wav", "audio/wav"),
		Model: openai.AudioModel(t.model),
	}
	if t.language != "" {
		params.Language = openai.String(t.language)
	}
	tr, err := t.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai transcription: %w", err)
	}
	return strings.TrimSpace(tr.Text), nil
}
