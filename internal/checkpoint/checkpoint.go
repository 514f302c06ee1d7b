package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-bowyer/internal/optim"
)

const snapshotFile = "training.ckpt"

// Snapshot is the full resumable training state: model weights at
// float64 precision, optimizer moments, and the stream position needed
// to continue the data pipeline and schedule where they left off.
type Snapshot struct {
	GlobalStep       int                  `cbor:"global_step"`
	Epoch            int                  `cbor:"epoch"`
	EpochBatch       int                  `cbor:"epoch_batch"`
	SchedulePosition int                  `cbor:"schedule_position"`
	Weights          map[string][]float64 `cbor:"weights"`
	Optimizer        optim.Snapshot       `cbor:"optimizer"`
	SavedAt          time.Time            `cbor:"saved_at"`
}

// Manager saves and restores snapshots under a root directory, one
// subdirectory per optimizer step: root/step_000000100/training.ckpt.
type Manager struct {
	root string
}

// NewManager creates the checkpoint root if needed.
func NewManager(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("checkpoint root must not be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint root: %w", err)
	}
	return &Manager{root: root}, nil
}

func (m *Manager) stepDir(step int) string {
	return filepath.Join(m.root, fmt.Sprintf("step_%09d", step))
}

// Save writes a snapshot for its global step. The file is written to a
// temporary name first so a crash never leaves a truncated checkpoint
// behind.
func (m *Manager) Save(s *Snapshot) (string, error) {
	s.SavedAt = time.Now().UTC()

	dir := m.stepDir(s.GlobalStep)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	data, err := cbor.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode checkpoint: %w", err)
	}

	path := filepath.Join(dir, snapshotFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}

	log.Info().Int("step", s.GlobalStep).Str("path", path).Msg("checkpoint saved")
	return path, nil
}

// Latest returns the snapshot with the highest step, or found=false when
// the root holds no checkpoints yet.
func (m *Manager) Latest() (snap *Snapshot, found bool, err error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, false, err
	}

	var steps []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var step int
		if _, err := fmt.Sscanf(e.Name(), "step_%d", &step); err == nil {
			steps = append(steps, step)
		}
	}
	if len(steps) == 0 {
		return nil, false, nil
	}
	sort.Ints(steps)

	s, err := m.Load(steps[len(steps)-1])
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// Load reads the snapshot for a specific step.
func (m *Manager) Load(step int) (*Snapshot, error) {
	path := filepath.Join(m.stepDir(step), snapshotFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", path, err)
	}
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	if s.GlobalStep != step {
		return nil, fmt.Errorf("checkpoint %s claims step %d", path, s.GlobalStep)
	}
	return &s, nil
}
