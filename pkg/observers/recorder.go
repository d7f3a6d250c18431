package observers

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/harunnryd/callscribe/pkg/chunker"
)

// AudioRecorder keeps the WAV payload of every transcription request as
// <dir>/<call>-<seq>.wav.
type AudioRecorder struct {
	dir string
}

func NewAudioRecorder(dir string) (*AudioRecorder, error) {
	if dir == "" {
		return nil, errors.New("artifacts dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}
	return &AudioRecorder{dir: dir}, nil
}

func (r *AudioRecorder) Dir() string { return r.dir }

func (r *AudioRecorder) Record(req *chunker.Request) error {
	if req == nil || len(req.Audio) == 0 {
		return nil
	}
	return os.WriteFile(r.Path(req.CallID, req.Seq), req.Audio, 0o644)
}

// Path is where the audio for a call's request seq is written.
func (r *AudioRecorder) Path(callID string, seq int) string {
	return filepath.Join(r.dir, fmt.Sprintf("%s-%04d.wav", sanitizeID(callID), seq))
}
