package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCharEstimator(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"héllo wörld", 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CharEstimator{}.Estimate(tt.text), tt.text)
	}
}

func TestEstimatorFunc(t *testing.T) {
	t.Parallel()

	est := EstimatorFunc(func(s string) int { return len(s) * 2 })
	assert.Equal(t, 6, est.Estimate("abc"))
}

func TestNew_UnknownEncodingFallsBack(t *testing.T) {
	t.Parallel()

	est, err := New("no-such-encoding")
	assert.Error(t, err)
	assert.IsType(t, CharEstimator{}, est)
	assert.Equal(t, 1, est.Estimate("word"))
}
