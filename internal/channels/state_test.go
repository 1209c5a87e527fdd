package channels

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChannelMath(t *testing.T) {
	assert.Equal(t, 0, ClampEnd(-10))
	assert.Equal(t, MaxEnd, ClampEnd(70000))
	assert.Equal(t, 1234, ClampEnd(1234))

	assert.InDelta(t, 100.0, PercentFromEnd(MaxEnd), 1e-9)
	assert.InDelta(t, 50.0, PercentFromEnd(32768), 0.01)
	assert.Equal(t, 53739, EndFromPercent(82))
	assert.Equal(t, MaxEnd, EndFromPercent(150))
	assert.Equal(t, 0, EndFromPercent(math.NaN()))

	assert.Equal(t, "82.0", FormatPercent(PercentFromEnd(53739)))
}

func TestNewChannelStateDerivesPercent(t *testing.T) {
	st := NewChannelState("K", 80000, "")
	assert.Equal(t, MaxEnd, st.End)
	assert.Equal(t, SourceDefault, st.Source)
	assert.InDelta(t, 100.0, st.Percent, 1e-9)

	rec := NewChannelState("C", 32768, SourceSolver).Record()
	assert.Equal(t, "50.0", rec.Percent)
	assert.Equal(t, "32768", rec.End)
	assert.Equal(t, "solver", rec.Source)
}

func TestSourceValid(t *testing.T) {
	assert.True(t, SourceManual.Valid())
	assert.False(t, Source("guess").Valid())
}
