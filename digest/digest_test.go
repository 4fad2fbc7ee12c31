package digest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSumIsDeterministic(t *testing.T) {
	data := []byte("orchard row 3, tree 14")

	assert.Equal(t, Sum(data), Sum(data))
	assert.Len(t, Sum(data), 64)
}

func TestSumChangesWithSingleByte(t *testing.T) {
	a := []byte{0x01, 0x02, 0x03, 0x04}
	b := []byte{0x01, 0x02, 0x03, 0x05}

	assert.NotEqual(t, Sum(a), Sum(b))
}

func TestSumAcceptsEmptyInput(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		Sum(nil))
}

func TestSumSmallCorpusHasNoCollisions(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 256; i++ {
		d := Sum([]byte{byte(i)})
		assert.False(t, seen[d], "collision for input %d", i)
		seen[d] = true
	}
}

func TestPredictionKeyShape(t *testing.T) {
	d := Sum([]byte("img"))
	key := PredictionKey(d, "elma")

	assert.Equal(t, "prediction:"+d+":elma", key)
	// Pure and deterministic.
	assert.Equal(t, key, PredictionKey(d, "elma"))
}
