package playback

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Recorder archives every voiced reply as a 16-bit WAV file under dir.
type Recorder struct {
	dir string
}

func NewRecorder(dir string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record dir: %w", err)
	}
	return &Recorder{dir: dir}, nil
}

// Recording is one WAV file being written.
type Recording struct {
	file       *os.File
	enc        *wav.Encoder
	sampleRate int
	channels   int
}

func (r *Recorder) Begin(name string, sampleRate, channels int) (*Recording, error) {
	path := filepath.Join(r.dir, name+".wav")
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	return &Recording{
		file:       file,
		enc:        wav.NewEncoder(file, sampleRate, 16, channels, 1),
		sampleRate: sampleRate,
		channels:   channels,
	}, nil
}

func (rec *Recording) Path() string { return rec.file.Name() }

func (rec *Recording) Write(pcm []byte) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	if len(pcm) == 0 {
		return nil
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: rec.channels, SampleRate: rec.sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := rec.enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	return nil
}

func (rec *Recording) Close() error {
	encErr := rec.enc.Close()
	fileErr := rec.file.Close()
	if encErr != nil {
		return fmt.Errorf("close wav encoder: %w", encErr)
	}
	return fileErr
}
