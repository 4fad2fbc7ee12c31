package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/orchardvision/go-detect/images"
)

func TestApplyNMSEmptyInput(t *testing.T) {
	assert.Nil(t, ApplyNMS(nil, 0.45))
}

func TestApplyNMSSuppressesOverlap(t *testing.T) {
	detections := []Detection{
		{Box: images.Rect{X1: 0, Y1: 0, X2: 100, Y2: 100}, Score: 0.9},
		{Box: images.Rect{X1: 5, Y1: 5, X2: 105, Y2: 105}, Score: 0.8},
		{Box: images.Rect{X1: 300, Y1: 300, X2: 400, Y2: 400}, Score: 0.7},
	}

	kept := ApplyNMS(detections, 0.45)

	assert.Len(t, kept, 2)
	assert.Equal(t, float32(0.9), kept[0].Score)
	assert.Equal(t, float32(0.7), kept[1].Score)
}

func TestApplyNMSKeepsDistinctBoxes(t *testing.T) {
	detections := []Detection{
		{Box: images.Rect{X1: 0, Y1: 0, X2: 10, Y2: 10}, Score: 0.5},
		{Box: images.Rect{X1: 50, Y1: 50, X2: 60, Y2: 60}, Score: 0.6},
		{Box: images.Rect{X1: 100, Y1: 100, X2: 110, Y2: 110}, Score: 0.7},
	}

	kept := ApplyNMS(detections, 0.45)

	assert.Len(t, kept, 3)
	// Output ordered by descending score.
	assert.Equal(t, float32(0.7), kept[0].Score)
	assert.Equal(t, float32(0.5), kept[2].Score)
}

func TestApplyNMSDoesNotMutateInput(t *testing.T) {
	detections := []Detection{
		{Box: images.Rect{X1: 0, Y1: 0, X2: 10, Y2: 10}, Score: 0.1},
		{Box: images.Rect{X1: 50, Y1: 50, X2: 60, Y2: 60}, Score: 0.9},
	}

	_ = ApplyNMS(detections, 0.45)

	assert.Equal(t, float32(0.1), detections[0].Score)
}

func TestMeanScore(t *testing.T) {
	assert.Equal(t, float32(0), MeanScore(nil))

	detections := []Detection{{Score: 0.9}, {Score: 0.8}, {Score: 0.7}}
	assert.InDelta(t, 0.8, MeanScore(detections), 1e-6)
}
