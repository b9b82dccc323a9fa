package llm

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/BaSui01/agentroom/types"
)

// modelEncodings maps model prefixes to their BPE encoding.
var modelEncodings = []struct {
	prefix   string
	encoding string
}{
	{"gpt-4o", "o200k_base"},
	{"o1", "o200k_base"},
	{"o3", "o200k_base"},
	{"gpt-4", "cl100k_base"},
	{"gpt-3.5", "cl100k_base"},
}

// EncodingForModel returns the tiktoken encoding for model, cl100k_base when unknown.
func EncodingForModel(model string) string {
	for _, m := range modelEncodings {
		if strings.HasPrefix(model, m.prefix) {
			return m.encoding
		}
	}
	return "cl100k_base"
}

// Estimator counts tokens with tiktoken. The encoding is loaded on first use;
// if it cannot be loaded the character estimate in types is used instead.
type Estimator struct {
	encoding string
	fallback types.Tokenizer
	logger   *zap.Logger

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewEstimator creates an estimator for model.
func NewEstimator(model string, logger *zap.Logger) *Estimator {
	return newEstimatorWithEncoding(EncodingForModel(model), logger)
}

func newEstimatorWithEncoding(encoding string, logger *zap.Logger) *Estimator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Estimator{
		encoding: encoding,
		fallback: types.NewEstimateTokenizer(),
		logger:   logger.With(zap.String("component", "token_estimator")),
	}
}

func (e *Estimator) init() {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding(e.encoding)
		if err != nil {
			e.logger.Warn("tiktoken encoding unavailable, using character estimate",
				zap.String("encoding", e.encoding), zap.Error(err))
			return
		}
		e.enc = enc
	})
}

// CountTokens implements types.Tokenizer.
func (e *Estimator) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	e.init()
	if e.enc == nil {
		return e.fallback.CountTokens(text)
	}
	return len(e.enc.Encode(text, nil, nil))
}
