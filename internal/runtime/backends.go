package runtime

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/bus"
	"github.com/loqalabs/loqa-voicechat/internal/capability"
	"github.com/loqalabs/loqa-voicechat/internal/capture"
	"github.com/loqalabs/loqa-voicechat/internal/config"
	"github.com/loqalabs/loqa-voicechat/internal/playback"
	"github.com/loqalabs/loqa-voicechat/internal/reply"
)

// newRecognizer returns nil when speech capture is unavailable.
func newRecognizer(cfg config.CaptureConfig, busClient *bus.Client, registry *capability.Registry, logger *slog.Logger) (capture.Recognizer, error) {
	switch cfg.Mode {
	case "none":
		return nil, nil
	case "mock":
		return capture.NewMockRecognizer(capture.DemoScript()), nil
	case "exec":
		rec, err := capture.NewExecRecognizer(cfg.Command)
		if err != nil {
			return nil, fmt.Errorf("capture exec: %w", err)
		}
		return rec, nil
	case "bus":
		if busClient == nil {
			return nil, fmt.Errorf("capture mode bus requires the bus")
		}
		return capture.NewBusRecognizer(busClient, directory(registry), logger), nil
	default:
		return nil, fmt.Errorf("unknown capture mode %q", cfg.Mode)
	}
}

// newPlayer returns nil when speech output is unavailable.
func newPlayer(cfg config.PlaybackConfig, busClient *bus.Client, registry *capability.Registry, logger *slog.Logger) (playback.Player, error) {
	var rec *playback.Recorder
	if cfg.RecordDir != "" && (cfg.Mode == "mock" || cfg.Mode == "exec") {
		r, err := playback.NewRecorder(cfg.RecordDir)
		if err != nil {
			return nil, fmt.Errorf("playback recorder: %w", err)
		}
		rec = r
	}

	switch cfg.Mode {
	case "none":
		return nil, nil
	case "mock":
		synth := playback.NewMockSynth(cfg.SampleRate, cfg.Channels, 60*time.Millisecond)
		return playback.NewSynthPlayer(synth, playback.DiscardOutput{}, rec, cfg.SampleRate, cfg.Channels, logger), nil
	case "exec":
		synth, err := playback.NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
		if err != nil {
			return nil, fmt.Errorf("playback exec synth: %w", err)
		}
		var out playback.Output = playback.DiscardOutput{}
		if cfg.PlayerCommand != "" {
			o, err := playback.NewExecOutput(cfg.PlayerCommand)
			if err != nil {
				return nil, fmt.Errorf("playback exec output: %w", err)
			}
			out = o
		}
		return playback.NewSynthPlayer(synth, out, rec, cfg.SampleRate, cfg.Channels, logger), nil
	case "bus":
		if busClient == nil {
			return nil, fmt.Errorf("playback mode bus requires the bus")
		}
		return playback.NewBusPlayer(busClient, directory(registry), logger), nil
	default:
		return nil, fmt.Errorf("unknown playback mode %q", cfg.Mode)
	}
}

func newGenerator(cfg config.ReplyConfig, busClient *bus.Client, timeout time.Duration) (reply.Generator, error) {
	switch cfg.Mode {
	case "mock":
		return reply.NewMockGenerator(300 * time.Millisecond), nil
	case "ollama":
		return reply.NewOllamaGenerator(cfg.Endpoint, cfg.Model, &http.Client{Timeout: timeout}), nil
	case "exec":
		gen, err := reply.NewExecGenerator(cfg.Command)
		if err != nil {
			return nil, fmt.Errorf("reply exec: %w", err)
		}
		return gen, nil
	case "bus":
		if busClient == nil {
			return nil, fmt.Errorf("reply mode bus requires the bus")
		}
		return reply.NewBusGenerator(busClient), nil
	default:
		return nil, fmt.Errorf("unknown reply mode %q", cfg.Mode)
	}
}

// directory keeps a nil registry from turning into a non-nil interface.
func directory(registry *capability.Registry) capture.Directory {
	if registry == nil {
		return nil
	}
	return registry
}
