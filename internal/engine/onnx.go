package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"
)

var ortInit sync.Once

func initRuntime(libPath string) error {
	var err error
	ortInit.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		err = ort.InitializeEnvironment()
	})
	if err != nil {
		return fmt.Errorf("onnx init environment: %w", err)
	}
	if !ort.IsInitialized() {
		return fmt.Errorf("onnx environment not initialized")
	}
	return nil
}

// onnxDecoder drives an autoregressive ONNX language model session.
type onnxDecoder struct {
	session    *ort.DynamicAdvancedSession
	tok        *Tokenizer
	maxContext int
}

// newONNXDecoder builds a decoder for the requested device. For the GPU it
// appends the CUDA execution provider and prefers the quantized model
// variant; any probe or session failure surfaces as an error so the engine
// can fall back.
func newONNXDecoder(cfg Config, dev Device) (decoder, Quantization, error) {
	if err := initRuntime(cfg.ONNXLibPath); err != nil {
		return nil, QuantNone, err
	}

	tok, err := NewTokenizer(cfg.VocabPath, cfg.MergesPath)
	if err != nil {
		return nil, QuantNone, err
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, QuantNone, fmt.Errorf("onnx session options: %w", err)
	}
	defer opts.Destroy()

	modelPath := cfg.ModelPath
	quant := QuantNone
	if dev == DeviceGPU {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, QuantNone, fmt.Errorf("cuda probe: %w", err)
		}
		defer cudaOpts.Destroy()
		if err := opts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
			return nil, QuantNone, fmt.Errorf("cuda execution provider: %w", err)
		}
		if cfg.QuantizedModelPath != "" {
			modelPath = cfg.QuantizedModelPath
			quant = QuantInt4
		}
	}

	session, err := ort.NewDynamicAdvancedSession(
		modelPath,
		[]string{"input_ids", "attention_mask"},
		[]string{"logits"},
		opts,
	)
	if err != nil {
		return nil, QuantNone, fmt.Errorf("onnx new session (%s): %w", modelPath, err)
	}

	return &onnxDecoder{
		session:    session,
		tok:        tok,
		maxContext: cfg.MaxContext,
	}, quant, nil
}

// Decode generates up to maxTokens tokens, emitting text as each token is
// sampled. The context is checked before every session run, so caller
// cancellation takes effect within one token step.
func (d *onnxDecoder) Decode(ctx context.Context, prompt string, temperature float64, maxTokens int, seed int64, emit func(string) error) error {
	ids := d.tok.Encode(prompt)
	if limit := d.maxContext - maxTokens; limit > 0 && len(ids) > limit {
		// Keep the tail of the prompt; the question and most recent context
		// sit at the end of the assembled prompt.
		ids = ids[len(ids)-limit:]
	}
	if len(ids) == 0 {
		return fmt.Errorf("%w: prompt tokenized to nothing", ErrInvalidSampling)
	}

	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	for produced := 0; produced < maxTokens; produced++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		logits, err := d.run(ids)
		if err != nil {
			return err
		}
		next := sampleToken(logits, temperature, rng)
		if next == d.tok.EOS() {
			return nil
		}
		ids = append(ids, next)
		if err := emit(d.tok.Decode([]int64{next})); err != nil {
			return err
		}
	}
	return nil
}

// run executes one forward pass and returns the logits for the last position.
func (d *onnxDecoder) run(ids []int64) ([]float32, error) {
	n := int64(len(ids))
	inputData := make([]int64, len(ids))
	copy(inputData, ids)
	mask := make([]int64, len(ids))
	for i := range mask {
		mask[i] = 1
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(1, n), inputData)
	if err != nil {
		return nil, fmt.Errorf("onnx input tensor: %w", err)
	}
	defer inputTensor.Destroy()
	maskTensor, err := ort.NewTensor(ort.NewShape(1, n), mask)
	if err != nil {
		return nil, fmt.Errorf("onnx mask tensor: %w", err)
	}
	defer maskTensor.Destroy()

	outputs := []ort.Value{nil}
	if err := d.session.Run([]ort.Value{inputTensor, maskTensor}, outputs); err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}
	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		outputs[0].Destroy()
		return nil, fmt.Errorf("onnx output is not a float32 tensor")
	}
	defer out.Destroy()

	data := out.GetData()
	shape := out.GetShape()
	vocab := int(shape[len(shape)-1])
	if vocab <= 0 || len(data) < vocab {
		return nil, fmt.Errorf("onnx output shape %v is not usable", shape)
	}
	last := make([]float32, vocab)
	copy(last, data[len(data)-vocab:])
	return last, nil
}

func (d *onnxDecoder) Close() error {
	return d.session.Destroy()
}

// sampleToken picks the next token id: greedy below the temperature floor,
// softmax sampling otherwise.
func sampleToken(logits []float32, temperature float64, rng *rand.Rand) int64 {
	if temperature < MinTemperature {
		best := 0
		for i, v := range logits {
			if v > logits[best] {
				best = i
			}
		}
		return int64(best)
	}

	// Softmax with max subtraction for numeric stability.
	maxLogit := logits[0]
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}
	probs := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		p := math.Exp(float64(v-maxLogit) / temperature)
		probs[i] = p
		sum += p
	}

	target := rng.Float64() * sum
	var acc float64
	for i, p := range probs {
		acc += p
		if acc >= target {
			return int64(i)
		}
	}
	return int64(len(logits) - 1)
}
