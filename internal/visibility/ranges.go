// Package visibility provides the per level distance thresholds shared by
// LOD selection and by the observers that drive streaming.
package visibility

import (
	"math"

	"github.com/aukilabs/go-tooling/pkg/errors"
)

const (
	ErrTypeInvalidRanges = "invalid-ranges"

	// FinestNodeSize scales the leaf node extent into the first range step.
	FinestNodeSize = 1.5
	// DetailBalance is the growth factor between consecutive steps of
	// Default ranges.
	DetailBalance = 2.5

	basicDetailBalance = 2.0
)

// Ranges holds one visibility distance per LOD level, from the finest level
// 0 to the coarsest.
type Ranges []float64

// Count returns the number of levels.
func (r Ranges) Count() int {
	return len(r)
}

// At returns the range of a level. Levels beyond the coarsest use the
// coarsest range.
func (r Ranges) At(level int) float64 {
	if level < 0 {
		level = 0
	}
	if level >= len(r) {
		level = len(r) - 1
	}
	return r[level]
}

// Validate checks that there is at least one level and that ranges grow
// strictly with the level.
func (r Ranges) Validate() error {
	if len(r) == 0 {
		return errors.New("no visibility ranges").WithType(ErrTypeInvalidRanges)
	}

	for i, v := range r {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return errors.New("invalid visibility range").
				WithType(ErrTypeInvalidRanges).
				WithTag("level", i).
				WithTag("range", v)
		}
		if i > 0 && v <= r[i-1] {
			return errors.New("visibility ranges are not strictly increasing").
				WithType(ErrTypeInvalidRanges).
				WithTag("level", i).
				WithTag("range", v).
				WithTag("previous", r[i-1])
		}
	}
	return nil
}

// Basic spreads maxDistance over levelCount levels as a geometric series
// with ratio 2. Level 0 has range 0.
func Basic(levelCount int, maxDistance float64) (Ranges, error) {
	if levelCount <= 0 {
		return nil, errors.New("level count must be positive").
			WithType(ErrTypeInvalidRanges).
			WithTag("level_count", levelCount)
	}

	total := (math.Pow(basicDetailBalance, float64(levelCount+1)) - 1) / (basicDetailBalance - 1)

	ranges := make(Ranges, levelCount)
	start, step := 0.0, maxDistance/total
	for i := 1; i < levelCount; i++ {
		start += step
		ranges[i] = start
		step *= basicDetailBalance
	}
	return ranges, ranges.Validate()
}

// Default derives ranges from the size of a leaf node: the first level
// covers one and a half leaf nodes and every following step grows by
// DetailBalance.
func Default(levelCount, leafNodeSize int, patchScale float64) (Ranges, error) {
	if levelCount <= 0 {
		return nil, errors.New("level count must be positive").
			WithType(ErrTypeInvalidRanges).
			WithTag("level_count", levelCount)
	}

	section := FinestNodeSize * float64(leafNodeSize) * patchScale
	ranges := make(Ranges, levelCount)
	last, balance := 0.0, 1.0
	for i := range ranges {
		ranges[i] = last + section*balance
		last = ranges[i]
		balance *= DetailBalance
	}
	return ranges, ranges.Validate()
}
