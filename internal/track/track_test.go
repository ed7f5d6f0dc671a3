package track

import (
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
)

func TestLineStringProjectsPointsInOrder(t *testing.T) {
	tr := Track{
		Name: "morning ride",
		Points: []Point{
			{Location: orb.Point{4.90, 52.37}, Time: time.Unix(0, 0)},
			{Location: orb.Point{4.91, 52.38}, Time: time.Unix(60, 0)},
		},
	}

	ls := tr.LineString()
	assert.Len(t, ls, 2)
	assert.Equal(t, orb.Point{4.90, 52.37}, ls[0])
	assert.Equal(t, orb.Point{4.91, 52.38}, ls[1])
}

func TestBoundCoversAllPoints(t *testing.T) {
	tr := Track{
		Points: []Point{
			{Location: orb.Point{4.80, 52.30}},
			{Location: orb.Point{5.00, 52.40}},
			{Location: orb.Point{4.90, 52.20}},
		},
	}

	b := tr.Bound()
	assert.Equal(t, 4.80, b.Min[0])
	assert.Equal(t, 52.20, b.Min[1])
	assert.Equal(t, 5.00, b.Max[0])
	assert.Equal(t, 52.40, b.Max[1])
}
