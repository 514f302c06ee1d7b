package model

import "fmt"

// Config describes the BERT architecture being pretrained. It is saved
// alongside the weights as language_model_config.json so a later run can
// rebuild the exact same model.
type Config struct {
	VocabSize             int     `json:"vocab_size"`
	HiddenSize            int     `json:"hidden_size"`
	NumLayers             int     `json:"num_hidden_layers"`
	NumHeads              int     `json:"num_attention_heads"`
	IntermediateSize      int     `json:"intermediate_size"`
	MaxPositionEmbeddings int     `json:"max_position_embeddings"`
	TypeVocabSize         int     `json:"type_vocab_size"`
	LayerNormEps          float64 `json:"layer_norm_eps"`
}

// DefaultConfig returns a base-sized architecture for the given
// vocabulary. The output layer width always equals the vocabulary size.
func DefaultConfig(vocabSize int) Config {
	return Config{
		VocabSize:             vocabSize,
		HiddenSize:            768,
		NumLayers:             12,
		NumHeads:              12,
		IntermediateSize:      3072,
		MaxPositionEmbeddings: 512,
		TypeVocabSize:         2,
		LayerNormEps:          1e-12,
	}
}

// TinyConfig returns a small architecture used by tests and smoke runs.
func TinyConfig(vocabSize int) Config {
	return Config{
		VocabSize:             vocabSize,
		HiddenSize:            32,
		NumLayers:             2,
		NumHeads:              2,
		IntermediateSize:      64,
		MaxPositionEmbeddings: 64,
		TypeVocabSize:         2,
		LayerNormEps:          1e-12,
	}
}

// Validate rejects architectures the model cannot represent.
func (c Config) Validate() error {
	if c.VocabSize <= 0 {
		return fmt.Errorf("vocab size must be positive, got %d", c.VocabSize)
	}
	if c.HiddenSize <= 0 {
		return fmt.Errorf("hidden size must be positive, got %d", c.HiddenSize)
	}
	if c.NumLayers <= 0 {
		return fmt.Errorf("number of layers must be positive, got %d", c.NumLayers)
	}
	if c.NumHeads <= 0 || c.HiddenSize%c.NumHeads != 0 {
		return fmt.Errorf("hidden size %d not divisible by %d heads", c.HiddenSize, c.NumHeads)
	}
	if c.IntermediateSize <= 0 {
		return fmt.Errorf("intermediate size must be positive, got %d", c.IntermediateSize)
	}
	if c.MaxPositionEmbeddings <= 0 {
		return fmt.Errorf("max position embeddings must be positive, got %d", c.MaxPositionEmbeddings)
	}
	if c.TypeVocabSize < 2 {
		return fmt.Errorf("type vocab size must be >= 2, got %d", c.TypeVocabSize)
	}
	if c.LayerNormEps <= 0 {
		return fmt.Errorf("layer norm epsilon must be positive, got %g", c.LayerNormEps)
	}
	return nil
}
