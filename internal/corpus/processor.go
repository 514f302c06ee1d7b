package corpus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ProcessorConfig is the persisted description of the data processing
// applied during pretraining, saved next to the model artifacts so a
// reload can rebuild an equivalent pipeline.
type ProcessorConfig struct {
	Processor   string  `json:"processor"`
	MaxSeqLen   int     `json:"max_seq_len"`
	MaskProb    float64 `json:"mask_prob"`
	DoLowerCase bool    `json:"do_lower_case"`
	TrainFile   string  `json:"train_filename"`
	DevFile     string  `json:"dev_filename,omitempty"`
}

const processorConfigFile = "processor_config.json"

// SaveProcessorConfig writes processor_config.json into dir.
func SaveProcessorConfig(dir string, cfg ProcessorConfig) error {
	if cfg.Processor == "" {
		cfg.Processor = "bert_style_lm"
	}
	if cfg.MaskProb == 0 {
		cfg.MaskProb = defaultMaskProb
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, processorConfigFile), append(data, '\n'), 0o644)
}

// LoadProcessorConfig reads processor_config.json from dir.
func LoadProcessorConfig(dir string) (ProcessorConfig, error) {
	var cfg ProcessorConfig
	data, err := os.ReadFile(filepath.Join(dir, processorConfigFile))
	if err != nil {
		return cfg, fmt.Errorf("read processor config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse processor config: %w", err)
	}
	return cfg, nil
}
