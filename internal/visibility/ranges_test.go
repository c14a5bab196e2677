package visibility

import (
	"testing"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		ranges Ranges
		valid  bool
	}{
		{name: "increasing", ranges: Ranges{10, 20, 40}, valid: true},
		{name: "starting at zero", ranges: Ranges{0, 5}, valid: true},
		{name: "empty", ranges: Ranges{}},
		{name: "equal", ranges: Ranges{10, 10}},
		{name: "decreasing", ranges: Ranges{20, 10}},
		{name: "negative", ranges: Ranges{-1, 10}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.ranges.Validate()
			if test.valid {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.True(t, errors.IsType(err, ErrTypeInvalidRanges))
		})
	}
}

func TestBasic(t *testing.T) {
	// total = 2^4 - 1 = 15 steps of 10
	ranges, err := Basic(3, 150)
	require.NoError(t, err)
	require.Equal(t, Ranges{0, 10, 30}, ranges)

	_, err = Basic(0, 150)
	require.Error(t, err)
}

func TestDefault(t *testing.T) {
	ranges, err := Default(3, 32, 1)
	require.NoError(t, err)
	require.Len(t, ranges, 3)

	require.InDelta(t, 48, ranges[0], 1e-9)
	require.InDelta(t, 48+120, ranges[1], 1e-9)
	require.InDelta(t, 48+120+300, ranges[2], 1e-9)
}

func TestAt(t *testing.T) {
	r := Ranges{1, 2, 3}
	require.Equal(t, 1.0, r.At(-1))
	require.Equal(t, 2.0, r.At(1))
	require.Equal(t, 3.0, r.At(7))
}
