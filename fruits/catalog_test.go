package fruits

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalogContents(t *testing.T) {
	c := DefaultCatalog()

	for _, id := range []string{"mandalina", "elma", "armut", "seftale", "nar", "agac"} {
		assert.True(t, c.Has(id), "missing %s", id)
	}
	assert.False(t, c.Has("portakal"))
}

func TestGetUnknownDetector(t *testing.T) {
	_, err := DefaultCatalog().Get("nope")

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownDetector))
}

func TestDefaultProfileThresholds(t *testing.T) {
	c := DefaultCatalog()

	elma, err := c.Get("elma")
	require.NoError(t, err)
	p := elma.DefaultProfile()
	assert.Equal(t, "elma", p.DetectorID)
	assert.Equal(t, float32(0.1), p.ConfidenceThreshold)
	assert.Equal(t, float32(0.45), p.IoUThreshold)

	// The tree model carries stricter thresholds.
	agac, err := c.Get("agac")
	require.NoError(t, err)
	assert.Equal(t, float32(0.25), agac.DefaultProfile().ConfidenceThreshold)
	assert.Equal(t, float32(0.7), agac.DefaultProfile().IoUThreshold)
}

func TestWeightEstimate(t *testing.T) {
	c := DefaultCatalog()

	perTree, total, err := c.WeightEstimate("elma", 100, 50)
	require.NoError(t, err)
	assert.InDelta(t, 10.5, perTree, 1e-9)
	assert.InDelta(t, 525.0, total, 1e-9)

	// Tree counting has no weight coefficient.
	perTree, total, err = c.WeightEstimate("agac", 40, 1)
	require.NoError(t, err)
	assert.Zero(t, perTree)
	assert.Zero(t, total)

	_, _, err = c.WeightEstimate("unknown", 1, 1)
	assert.Error(t, err)
}

func TestListIsSorted(t *testing.T) {
	list := DefaultCatalog().List()

	assert.Len(t, list, 6)
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].DetectorID, list[i].DetectorID)
	}
}
