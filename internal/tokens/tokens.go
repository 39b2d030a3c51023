// Package tokens estimates the token cost of prompt text.
package tokens

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rotisserie/eris"
)

// DefaultEncoding is the BPE encoding used when none is configured.
const DefaultEncoding = "cl100k_base"

// Estimator maps text to an integer token cost.
type Estimator interface {
	Estimate(text string) int
}

// EstimatorFunc adapts a plain function to Estimator.
type EstimatorFunc func(text string) int

// Estimate calls f.
func (f EstimatorFunc) Estimate(text string) int { return f(text) }

// CharEstimator approximates tokens as one per four characters, rounded up.
type CharEstimator struct{}

// Estimate returns ceil(runes/4).
func (CharEstimator) Estimate(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// TiktokenEstimator counts tokens with a tiktoken BPE encoding. It is safe
// for concurrent use.
type TiktokenEstimator struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewTiktoken loads the named encoding. Loading may fetch the BPE ranks
// file on first use, so callers usually go through New, which falls back
// to CharEstimator.
func NewTiktoken(encoding string) (*TiktokenEstimator, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, eris.Wrapf(err, "tokens: load encoding %s", encoding)
	}
	return &TiktokenEstimator{enc: enc}, nil
}

// Estimate returns the number of BPE tokens in text.
func (t *TiktokenEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.enc.Encode(text, nil, nil))
}

// New returns a tiktoken estimator for encoding, or CharEstimator together
// with the load error when the encoding is unavailable.
func New(encoding string) (Estimator, error) {
	est, err := NewTiktoken(encoding)
	if err != nil {
		return CharEstimator{}, err
	}
	return est, nil
}
