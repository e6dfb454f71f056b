package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// SynthPlayer voices text locally: synthesizer chunks are streamed to an
// output and, when a recorder is set, archived as WAV.
type SynthPlayer struct {
	synth      Synthesizer
	out        Output
	rec        *Recorder
	sampleRate int
	channels   int
	log        *slog.Logger
}

func NewSynthPlayer(synth Synthesizer, out Output, rec *Recorder, sampleRate, channels int, log *slog.Logger) *SynthPlayer {
	if out == nil {
		out = DiscardOutput{}
	}
	return &SynthPlayer{
		synth:      synth,
		out:        out,
		rec:        rec,
		sampleRate: sampleRate,
		channels:   channels,
		log:        log.With(slog.String("component", "synth-player")),
	}
}

func (p *SynthPlayer) Play(ctx context.Context, req Request) (<-chan Status, error) {
	w, err := p.out.Open(ctx, p.sampleRate, p.channels)
	if err != nil {
		return nil, err
	}
	var recording *Recording
	if p.rec != nil {
		name := req.SessionID + "-" + req.PlaybackID
		if recording, err = p.rec.Begin(name, p.sampleRate, p.channels); err != nil {
			p.log.Warn("recording disabled for playback", slogError(err))
			recording = nil
		}
	}

	statuses := make(chan Status, 2)
	go p.run(ctx, req, w, recording, statuses)
	return statuses, nil
}

func (p *SynthPlayer) run(ctx context.Context, req Request, w io.WriteCloser, recording *Recording, statuses chan<- Status) {
	defer close(statuses)

	started := false
	failure := p.synth.Synthesize(ctx, Utterance{
		SessionID: req.SessionID,
		Text:      req.Text,
		Voice:     req.Voice,
		Language:  req.Language,
	}, func(f Frame) error {
		if !started {
			started = true
			statuses <- Status{State: Started}
		}
		if len(f.PCM) == 0 {
			return nil
		}
		if _, err := w.Write(f.PCM); err != nil {
			return fmt.Errorf("write clause %d: %w", f.Clause, err)
		}
		if recording != nil {
			if err := recording.Write(f.PCM); err != nil {
				p.log.Warn("recording write failed", slogError(err))
			}
		}
		return nil
	})

	closeErr := w.Close()
	if recording != nil {
		if err := recording.Close(); err != nil {
			p.log.Warn("recording close failed", slogError(err))
		}
	}
	if failure == nil && ctx.Err() == nil {
		failure = closeErr
	}
	if ctx.Err() != nil {
		failure = errors.Join(ctx.Err(), failure)
	}

	if failure != nil {
		statuses <- Status{State: Failed, Err: failure}
		return
	}
	if !started {
		statuses <- Status{State: Started}
	}
	statuses <- Status{State: Finished}
}
