package model

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
)

const (
	configFile  = "language_model_config.json"
	weightsFile = "language_model.bin"
)

// weightsMagic identifies the weight file format. Weights are stored as
// little-endian float32 records of (name, rows, cols, data) in parameter
// registration order.
var weightsMagic = [4]byte{'B', 'W', 'Y', '1'}

// Save writes the architecture config and all weights into dir.
func (m *Bert) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	cfgData, err := json.MarshalIndent(m.cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, configFile), append(cfgData, '\n'), 0o644); err != nil {
		return err
	}

	f, err := os.Create(filepath.Join(dir, weightsFile))
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)

	if err := m.writeWeights(w); err != nil {
		_ = f.Close()
		return fmt.Errorf("write weights: %w", err)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (m *Bert) writeWeights(w io.Writer) error {
	if _, err := w.Write(weightsMagic[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(m.params))); err != nil {
		return err
	}
	for _, p := range m.params {
		name := []byte(p.Name)
		if err := binary.Write(w, binary.LittleEndian, uint32(len(name))); err != nil {
			return err
		}
		if _, err := w.Write(name); err != nil {
			return err
		}
		r, c := p.W.Dims()
		if err := binary.Write(w, binary.LittleEndian, uint32(r)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(c)); err != nil {
			return err
		}
		data := p.W.RawMatrix().Data
		buf := make([]float32, len(data))
		for i, v := range data {
			buf[i] = float32(v)
		}
		if err := binary.Write(w, binary.LittleEndian, buf); err != nil {
			return err
		}
	}
	return nil
}

// Load rebuilds a saved model from dir. The weight file must match the
// architecture described by the saved config exactly.
func Load(dir string) (*Bert, error) {
	cfgData, err := os.ReadFile(filepath.Join(dir, configFile))
	if err != nil {
		return nil, fmt.Errorf("read model config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(cfgData, &cfg); err != nil {
		return nil, fmt.Errorf("parse model config: %w", err)
	}

	m, err := New(cfg, rand.New(rand.NewSource(0)))
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(dir, weightsFile))
	if err != nil {
		return nil, fmt.Errorf("open weights: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := m.readWeights(bufio.NewReader(f)); err != nil {
		return nil, fmt.Errorf("read weights: %w", err)
	}
	return m, nil
}

func (m *Bert) readWeights(r io.Reader) error {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return err
	}
	if magic != weightsMagic {
		return fmt.Errorf("bad magic %q", magic[:])
	}
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return err
	}
	if int(count) != len(m.params) {
		return fmt.Errorf("weight file has %d parameters, model has %d", count, len(m.params))
	}

	for _, p := range m.params {
		var nameLen uint32
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			return err
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return err
		}
		if string(name) != p.Name {
			return fmt.Errorf("parameter order mismatch: got %s, want %s", name, p.Name)
		}
		var rows, cols uint32
		if err := binary.Read(r, binary.LittleEndian, &rows); err != nil {
			return err
		}
		if err := binary.Read(r, binary.LittleEndian, &cols); err != nil {
			return err
		}
		pr, pc := p.W.Dims()
		if int(rows) != pr || int(cols) != pc {
			return fmt.Errorf("parameter %s: shape %dx%d, want %dx%d", p.Name, rows, cols, pr, pc)
		}
		buf := make([]float32, rows*cols)
		if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
			return err
		}
		data := p.W.RawMatrix().Data
		for i, v := range buf {
			data[i] = float64(v)
		}
	}
	return nil
}

// StateDict copies every parameter into a name-keyed map. Used by
// checkpointing, which needs full float64 precision.
func (m *Bert) StateDict() map[string][]float64 {
	out := make(map[string][]float64, len(m.params))
	for _, p := range m.params {
		data := p.W.RawMatrix().Data
		cp := make([]float64, len(data))
		copy(cp, data)
		out[p.Name] = cp
	}
	return out
}

// LoadStateDict restores parameters from a StateDict snapshot. Every
// parameter must be present with the exact element count.
func (m *Bert) LoadStateDict(state map[string][]float64) error {
	for _, p := range m.params {
		src, ok := state[p.Name]
		if !ok {
			return fmt.Errorf("state dict missing parameter %s", p.Name)
		}
		data := p.W.RawMatrix().Data
		if len(src) != len(data) {
			return fmt.Errorf("parameter %s: %d elements, want %d", p.Name, len(src), len(data))
		}
		copy(data, src)
		for _, v := range data {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("parameter %s contains non-finite values", p.Name)
			}
		}
	}
	return nil
}
