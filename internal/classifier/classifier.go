// Package classifier labels log messages as normal or anomalous.
package classifier

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Label is the binary output of a classifier.
type Label int

const (
	Normal    Label = 0
	Anomalous Label = 1
)

// Score returns the label as the float stored on anomaly reports.
func (l Label) Score() float64 {
	return float64(l)
}

func (l Label) String() string {
	if l == Anomalous {
		return "anomalous"
	}
	return "normal"
}

// Classifier labels a single message. Implementations are safe for concurrent
// use; one instance is shared by every worker.
type Classifier interface {
	Classify(ctx context.Context, text string) (Label, error)
}

// Func adapts a plain function to the Classifier interface.
type Func func(ctx context.Context, text string) (Label, error)

// Classify calls f.
func (f Func) Classify(ctx context.Context, text string) (Label, error) {
	return f(ctx, text)
}

// Backends.
const (
	BackendKeyword = "keyword"
	BackendONNX    = "onnx"
	BackendOpenAI  = "openai"
)

// Config selects and configures a backend.
type Config struct {
	Backend string

	// keyword
	Keywords []string

	// onnx
	ModelPath string
	VocabPath string

	// openai
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// DefaultConfig returns the keyword backend, which needs no model files.
func DefaultConfig() Config {
	return Config{
		Backend: BackendKeyword,
		Model:   "gpt-4o-mini",
		Timeout: 30 * time.Second,
	}
}

// New constructs the configured backend. The returned closer releases model
// resources and is never nil.
func New(config Config, logger *zap.Logger) (Classifier, func() error, error) {
	noop := func() error { return nil }

	switch config.Backend {
	case "", BackendKeyword:
		logger.Info("Using keyword classifier")
		return NewKeyword(config.Keywords), noop, nil

	case BackendONNX:
		c, err := NewONNX(config.ModelPath, config.VocabPath)
		if err != nil {
			return nil, noop, err
		}
		logger.Info("Loaded ONNX classifier", zap.String("model", config.ModelPath))
		return c, c.Close, nil

	case BackendOpenAI:
		if config.APIKey == "" {
			return nil, noop, fmt.Errorf("classifier: openai backend requires an API key")
		}
		logger.Info("Using OpenAI classifier", zap.String("model", config.Model))
		return NewOpenAI(config, logger), noop, nil
	}

	return nil, noop, fmt.Errorf("classifier: unknown backend %q", config.Backend)
}
