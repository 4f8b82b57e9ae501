package classifier

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ortEnv guards the process-wide ONNX Runtime initialization.
var ortEnv struct {
	once sync.Once
	err  error
}

func initORT(libPath string) error {
	ortEnv.once.Do(func() {
		ort.SetSharedLibraryPath(libPath)
		ortEnv.err = ort.InitializeEnvironment()
	})
	return ortEnv.err
}

// ONNX runs a BERT sequence-classification model exported to ONNX. The model
// takes input_ids, attention_mask and token_type_ids and returns logits of
// shape [batch, 2]; the label is the argmax.
type ONNX struct {
	session   *ort.DynamicAdvancedSession
	tok       *tokenizer
	numLabels int64
}

// NewONNX loads the model and vocabulary. The ONNX Runtime shared library is
// expected next to the model as libonnxruntime.so.
func NewONNX(modelPath, vocabPath string) (*ONNX, error) {
	tok, err := newTokenizer(vocabPath)
	if err != nil {
		return nil, err
	}

	libPath := filepath.Join(filepath.Dir(modelPath), "libonnxruntime.so")
	if err := initORT(libPath); err != nil {
		return nil, fmt.Errorf("onnx: failed to initialize runtime: %w", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to read model info: %w", err)
	}
	inputNames, err := validateInputs(inputs)
	if err != nil {
		return nil, err
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("onnx: model has no outputs")
	}
	dims := outputs[0].Dimensions
	if len(dims) != 2 || dims[1] < 2 {
		return nil, fmt.Errorf("onnx: expected [batch, labels] logits, got %v", dims)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create session options: %w", err)
	}
	defer opts.Destroy()
	opts.SetIntraOpNumThreads(4)
	opts.SetInterOpNumThreads(1)

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, []string{outputs[0].Name}, opts)
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create session: %w", err)
	}

	return &ONNX{
		session:   session,
		tok:       tok,
		numLabels: dims[1],
	}, nil
}

func validateInputs(inputs []ort.InputOutputInfo) ([]string, error) {
	names := make(map[string]bool, len(inputs))
	for _, inp := range inputs {
		names[inp.Name] = true
	}
	required := []string{"input_ids", "attention_mask", "token_type_ids"}
	for _, name := range required {
		if !names[name] {
			return nil, fmt.Errorf("onnx: model missing required input %q", name)
		}
	}
	return required, nil
}

// Classify implements Classifier.
func (c *ONNX) Classify(ctx context.Context, text string) (Label, error) {
	if err := ctx.Err(); err != nil {
		return Normal, err
	}

	ids, mask, types := c.tok.encode(text)
	shape := ort.NewShape(1, int64(len(ids)))

	tIDs, err := ort.NewTensor(shape, ids)
	if err != nil {
		return Normal, fmt.Errorf("onnx: failed to create input_ids tensor: %w", err)
	}
	defer tIDs.Destroy()

	tMask, err := ort.NewTensor(shape, mask)
	if err != nil {
		return Normal, fmt.Errorf("onnx: failed to create attention_mask tensor: %w", err)
	}
	defer tMask.Destroy()

	tTypes, err := ort.NewTensor(shape, types)
	if err != nil {
		return Normal, fmt.Errorf("onnx: failed to create token_type_ids tensor: %w", err)
	}
	defer tTypes.Destroy()

	tOut, err := ort.NewEmptyTensor[float32](ort.NewShape(1, c.numLabels))
	if err != nil {
		return Normal, fmt.Errorf("onnx: failed to create output tensor: %w", err)
	}
	defer tOut.Destroy()

	if err := c.session.Run([]ort.Value{tIDs, tMask, tTypes}, []ort.Value{tOut}); err != nil {
		return Normal, fmt.Errorf("onnx: inference failed: %w", err)
	}

	if argmax(tOut.GetData()) == int(Anomalous) {
		return Anomalous, nil
	}
	return Normal, nil
}

// Close releases the session.
func (c *ONNX) Close() error {
	return c.session.Destroy()
}

// argmax returns the index of the largest logit, the first on ties.
func argmax(logits []float32) int {
	best := 0
	for i := 1; i < len(logits); i++ {
		if logits[i] > logits[best] {
			best = i
		}
	}
	return best
}
