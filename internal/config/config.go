package config

import (
	"fmt"
	"path/filepath"
)

// RunConfig is the immutable hyperparameter set for a pretraining run.
// It is fixed at process start; nothing mutates it afterwards.
type RunConfig struct {
	Seed int64

	MaxSeqLen    int
	BatchSize    int
	GradAccSteps int
	Epochs       int

	LearningRate     float64
	WarmupProportion float64
	WeightDecay      float64
	GradClipNorm     float64

	EvaluateEvery   int
	LogEvery        int
	CheckpointEvery int

	DataDir        string
	TrainFile      string
	DevFile        string
	VocabFile      string
	SaveDir        string
	CheckpointRoot string
	CacheDir       string

	TrackingURI string
	Experiment  string
	RunName     string

	LocalRank int
	WorldSize int
}

// Default mirrors the canonical from-scratch pretraining run.
func Default() RunConfig {
	return RunConfig{
		Seed: 39,

		MaxSeqLen:    128,
		BatchSize:    60,
		GradAccSteps: 4,
		Epochs:       1,

		LearningRate:     1e-4,
		WarmupProportion: 0.01,
		WeightDecay:      0.01,
		GradClipNorm:     1.0,

		EvaluateEvery: 10000,
		LogEvery:      100,

		DataDir:   "data/lm_finetune_nips",
		TrainFile: "train.txt",
		VocabFile: "bert-base-uncased-vocab.txt",
		SaveDir:   "saved_models/train_from_scratch",

		Experiment: "train_from_scratch",
		RunName:    "run",

		LocalRank: -1,
		WorldSize: 1,
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c RunConfig) Validate() error {
	if c.MaxSeqLen < 8 {
		return fmt.Errorf("max seq len %d too small (need room for [CLS] and two [SEP])", c.MaxSeqLen)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.GradAccSteps < 1 {
		return fmt.Errorf("grad accumulation steps must be >= 1, got %d", c.GradAccSteps)
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive, got %g", c.LearningRate)
	}
	if c.WarmupProportion < 0 || c.WarmupProportion >= 1 {
		return fmt.Errorf("warmup proportion must be in [0,1), got %g", c.WarmupProportion)
	}
	if c.WorldSize < 1 {
		return fmt.Errorf("world size must be >= 1, got %d", c.WorldSize)
	}
	if c.LocalRank >= c.WorldSize {
		return fmt.Errorf("local rank %d outside world size %d", c.LocalRank, c.WorldSize)
	}
	if c.TrainFile == "" {
		return fmt.Errorf("train file is required")
	}
	if c.VocabFile == "" {
		return fmt.Errorf("vocab file is required")
	}
	if c.CheckpointEvery < 0 {
		return fmt.Errorf("checkpoint cadence must be >= 0, got %d", c.CheckpointEvery)
	}
	return nil
}

// Rank returns the effective data-shard rank. A local rank of -1 means a
// single-process run and maps to shard 0.
func (c RunConfig) Rank() int {
	if c.LocalRank < 0 {
		return 0
	}
	return c.LocalRank
}

// BatchesPerEpoch returns the number of batches one rank sees per epoch:
// ceil(nDocs / (batchSize * worldSize)).
func (c RunConfig) BatchesPerEpoch(nDocs int) int {
	denom := c.BatchSize * c.WorldSize
	return (nDocs + denom - 1) / denom
}

// TotalOptimizerSteps returns the total number of optimizer steps for the
// run: ceil(batchesPerEpoch * epochs / gradAccSteps). The linear-warmup
// schedule is sized to this count.
func (c RunConfig) TotalOptimizerSteps(nDocs int) int {
	batches := c.BatchesPerEpoch(nDocs) * c.Epochs
	return (batches + c.GradAccSteps - 1) / c.GradAccSteps
}

// WarmupSteps converts the warmup proportion into an absolute step count.
func (c RunConfig) WarmupSteps(totalSteps int) int {
	return int(c.WarmupProportion * float64(totalSteps))
}

// TrainPath returns the corpus file location under the data directory.
func (c RunConfig) TrainPath() string {
	return filepath.Join(c.DataDir, c.TrainFile)
}

// DevPath returns the dev corpus location, or "" when no dev set is set.
func (c RunConfig) DevPath() string {
	if c.DevFile == "" {
		return ""
	}
	return filepath.Join(c.DataDir, c.DevFile)
}

// VocabPath returns the vocabulary file location.
func (c RunConfig) VocabPath() string {
	return filepath.Join(c.DataDir, c.VocabFile)
}

// RankSaveDir suffixes the save directory with the local rank so that
// concurrent distributed processes never contend on the same path.
func (c RunConfig) RankSaveDir() string {
	if c.LocalRank < 0 {
		return c.SaveDir
	}
	return fmt.Sprintf("%s-rank%d", c.SaveDir, c.LocalRank)
}
