// Package engine owns the local language model: lifecycle, device
// selection with silent CPU fallback, and serialized blocking and
// streaming generation against the single model instance.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	// ErrModelUnavailable means the model failed to load on both the
	// accelerator and the fallback device. Fatal until an explicit reload.
	ErrModelUnavailable = errors.New("model unavailable")

	// ErrInvalidSampling marks out-of-bounds generation parameters.
	ErrInvalidSampling = errors.New("invalid sampling parameters")
)

// Device is the resolved compute device, readable via Status.
type Device string

const (
	DeviceGPU  Device = "gpu"
	DeviceCPU  Device = "cpu"
	DeviceNone Device = "not_loaded"
)

// Quantization is the model format actually in effect after fallback.
type Quantization string

const (
	QuantInt4 Quantization = "q4"
	QuantNone Quantization = "none"
)

// Sampling bounds, matching the request schema limits.
const (
	MinTemperature     = 0.1
	MaxTemperature     = 1.0
	MinMaxTokens       = 50
	MaxMaxTokens       = 2048
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 512
)

type state int32

const (
	stateUnloaded state = iota
	stateLoading
	stateReady
	stateFailed
)

// Request describes one generation call. It is consumed once.
type Request struct {
	Prompt      string
	Temperature float64 // 0 means DefaultTemperature
	MaxTokens   int     // 0 means DefaultMaxTokens
	Seed        int64   // 0 draws from the clock; fixed seeds reproduce output
}

func (r Request) withDefaults() (Request, error) {
	if r.Temperature == 0 {
		r.Temperature = DefaultTemperature
	}
	if r.MaxTokens == 0 {
		r.MaxTokens = DefaultMaxTokens
	}
	if r.Temperature < MinTemperature || r.Temperature > MaxTemperature {
		return r, fmt.Errorf("%w: temperature %.2f outside [%.1f, %.1f]",
			ErrInvalidSampling, r.Temperature, MinTemperature, MaxTemperature)
	}
	if r.MaxTokens < MinMaxTokens || r.MaxTokens > MaxMaxTokens {
		return r, fmt.Errorf("%w: max tokens %d outside [%d, %d]",
			ErrInvalidSampling, r.MaxTokens, MinMaxTokens, MaxMaxTokens)
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return r, fmt.Errorf("%w: empty prompt", ErrInvalidSampling)
	}
	return r, nil
}

// Status is the externally visible engine state.
type Status struct {
	Loaded       bool   `json:"model_loaded"`
	Device       string `json:"device"`
	Quantization string `json:"quantization,omitempty"`
}

// decoder runs one full generation pass token by token. Implementations do
// not need to be safe for concurrent use; the engine serializes callers.
type decoder interface {
	Decode(ctx context.Context, prompt string, temperature float64, maxTokens int, seed int64, emit func(token string) error) error
	Close() error
}

// Config locates the model artifacts and ONNX runtime.
type Config struct {
	ModelPath          string // full-precision model
	QuantizedModelPath string // accelerator variant; optional
	VocabPath          string
	MergesPath         string
	ONNXLibPath        string // onnxruntime shared library; optional
	MaxContext         int    // model context window in tokens
	DisableGPU         bool   // skip the accelerator probe entirely
}

// Engine is the process-wide model handle. Create exactly one per process.
type Engine struct {
	cfg Config

	loadMu sync.Mutex // at most one load attempt in flight
	st     atomic.Int32
	dev    Device
	quant  Quantization
	dec    decoder

	lock fifoLock // serializes generation in arrival order

	// newDecoder is swapped in tests; defaults to the ONNX loader.
	newDecoder func(cfg Config, dev Device) (decoder, Quantization, error)
}

func New(cfg Config) *Engine {
	if cfg.MaxContext <= 0 {
		cfg.MaxContext = 4096
	}
	return &Engine{
		cfg:        cfg,
		dev:        DeviceNone,
		quant:      QuantNone,
		newDecoder: newONNXDecoder,
	}
}

func (e *Engine) state() state { return state(e.st.Load()) }

// Warmup tries to load the model at startup. A failure is logged and leaves
// the engine unloaded so the first request retries; it never marks the
// engine failed the way a request-triggered load does.
func (e *Engine) Warmup() {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	if e.state() != stateUnloaded {
		return
	}
	if err := e.loadLocked(); err != nil {
		log.Printf("engine warmup failed, model will load on first request: %v", err)
		e.st.Store(int32(stateUnloaded))
	}
}

// ensureLoaded performs the lazy singleton load.
func (e *Engine) ensureLoaded() error {
	if e.state() == stateReady {
		return nil
	}
	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	switch e.state() {
	case stateReady:
		return nil
	case stateFailed:
		return ErrModelUnavailable
	}
	if err := e.loadLocked(); err != nil {
		e.st.Store(int32(stateFailed))
		return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	return nil
}

// loadLocked probes the accelerator first and falls back to CPU silently.
// Callers hold loadMu.
func (e *Engine) loadLocked() error {
	e.st.Store(int32(stateLoading))

	if !e.cfg.DisableGPU {
		dec, quant, err := e.newDecoder(e.cfg, DeviceGPU)
		if err == nil {
			e.dec = dec
			e.dev = DeviceGPU
			e.quant = quant
			e.st.Store(int32(stateReady))
			log.Printf("model loaded on gpu (quantization=%s)", quant)
			return nil
		}
		// Fallback is silent to the caller: logged, never raised.
		log.Printf("gpu load failed, falling back to cpu: %v", err)
	}

	dec, quant, err := e.newDecoder(e.cfg, DeviceCPU)
	if err != nil {
		return fmt.Errorf("cpu load failed: %w", err)
	}
	e.dec = dec
	e.dev = DeviceCPU
	e.quant = quant
	e.st.Store(int32(stateReady))
	log.Printf("model loaded on cpu (quantization=%s)", quant)
	return nil
}

// Generate runs a blocking generation call and returns the full text.
// Callers queue on the model lock in arrival order.
func (e *Engine) Generate(ctx context.Context, req Request) (string, error) {
	var b strings.Builder
	err := e.generate(ctx, req, func(tok string) error {
		b.WriteString(tok)
		return nil
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}

// GenerateStream forwards each token to onToken as it is produced and
// returns the full text. If onToken reports an error (the consumer went
// away), generation stops within one token step and the model lock is
// released immediately.
func (e *Engine) GenerateStream(ctx context.Context, req Request, onToken func(token string) error) (string, error) {
	var b strings.Builder
	err := e.generate(ctx, req, func(tok string) error {
		b.WriteString(tok)
		return onToken(tok)
	})
	if err != nil {
		return b.String(), err
	}
	return b.String(), nil
}

func (e *Engine) generate(ctx context.Context, req Request, emit func(string) error) error {
	req, err := req.withDefaults()
	if err != nil {
		return err
	}
	if err := e.ensureLoaded(); err != nil {
		return err
	}
	if err := e.lock.Acquire(ctx); err != nil {
		return err
	}
	defer e.lock.Release()
	return e.dec.Decode(ctx, req.Prompt, req.Temperature, req.MaxTokens, req.Seed, emit)
}

// Status reports the resolved device without triggering a load.
func (e *Engine) Status() Status {
	if e.state() != stateReady {
		return Status{Loaded: false, Device: string(DeviceNone)}
	}
	return Status{Loaded: true, Device: string(e.dev), Quantization: string(e.quant)}
}

// Reload tears the model down and loads it again. It serializes against any
// in-flight generation by taking the model lock first.
func (e *Engine) Reload(ctx context.Context) error {
	if err := e.lock.Acquire(ctx); err != nil {
		return err
	}
	defer e.lock.Release()

	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	e.st.Store(int32(stateUnloaded))
	if e.dec != nil {
		if err := e.dec.Close(); err != nil {
			log.Printf("close decoder failed: %v", err)
		}
		e.dec = nil
	}
	e.dev = DeviceNone
	e.quant = QuantNone
	if err := e.loadLocked(); err != nil {
		e.st.Store(int32(stateFailed))
		return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	return nil
}

// Close releases the model at process shutdown. It waits behind any in-flight
// generation so the decoder is never freed mid-decode.
func (e *Engine) Close() error {
	if err := e.lock.Acquire(context.Background()); err != nil {
		return err
	}
	defer e.lock.Release()

	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	e.st.Store(int32(stateUnloaded))
	e.dev = DeviceNone
	if e.dec != nil {
		err := e.dec.Close()
		e.dec = nil
		return err
	}
	return nil
}
