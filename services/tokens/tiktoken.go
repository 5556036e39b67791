package tokens

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is used for models tiktoken has no mapping for, such as
// local ollama models.
const DefaultEncoding = tiktoken.MODEL_CL100K_BASE

// TiktokenTokenizer counts BPE tokens with the encoding of the requested
// model. Encodings are resolved once per model and kept for the life of the
// process.
type TiktokenTokenizer struct {
	mu       sync.RWMutex
	fallback *tiktoken.Tiktoken
	byModel  map[string]*tiktoken.Tiktoken
}

// NewTiktokenTokenizer loads the fallback encoding. BPE ranks are read from
// TIKTOKEN_CACHE_DIR or downloaded on first use; an error here means the
// caller should run with the degraded estimator.
func NewTiktokenTokenizer(fallbackEncoding string) (*TiktokenTokenizer, error) {
	if fallbackEncoding == "" {
		fallbackEncoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(fallbackEncoding)
	if err != nil {
		return nil, fmt.Errorf("load %s encoding: %w", fallbackEncoding, err)
	}
	return &TiktokenTokenizer{
		fallback: enc,
		byModel:  make(map[string]*tiktoken.Tiktoken),
	}, nil
}

// Count implements Tokenizer. Special token markup in text is counted as
// ordinary text.
func (t *TiktokenTokenizer) Count(model, text string) (int, error) {
	enc := t.encoding(model)
	if enc == nil {
		return 0, fmt.Errorf("no encoding for model %q", model)
	}
	return len(enc.EncodeOrdinary(text)), nil
}

func (t *TiktokenTokenizer) encoding(model string) *tiktoken.Tiktoken {
	if model == "" {
		return t.fallback
	}

	t.mu.RLock()
	enc, ok := t.byModel[model]
	t.mu.RUnlock()
	if ok {
		return enc
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc = t.fallback
	}

	t.mu.Lock()
	t.byModel[model] = enc
	t.mu.Unlock()
	return enc
}
