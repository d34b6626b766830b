package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimatorASCII(t *testing.T) {
	e := Estimator{}
	n := e.Count("abcdefgh") // 8 ascii chars -> 2 tokens
	assert.Equal(t, 2, n)
}

func TestEstimatorCJK(t *testing.T) {
	e := Estimator{}
	n := e.Count("你好世界") // 4 wide runes -> 2 tokens
	assert.Equal(t, 2, n)
}

func TestEstimatorMixed(t *testing.T) {
	e := Estimator{}
	n := e.Count("ab你好")
	assert.Equal(t, 2, n) // ascii: ceil(2/4)=1, wide: ceil(2/2)=1
}

func TestEstimatorEmpty(t *testing.T) {
	e := Estimator{}
	assert.Equal(t, 0, e.Count(""))
}

func TestExactFallsBackToCl100k(t *testing.T) {
	c, err := NewExact("not-a-real-model-xyz")
	require.NoError(t, err)
	assert.Contains(t, c.Name(), "exact:")
	assert.GreaterOrEqual(t, c.Count("hello world"), 1)
}

func TestCountMessagesOverhead(t *testing.T) {
	e := Estimator{}
	msgs := []Message{{Role: "user", Content: "hi"}}
	total := CountMessages(e, msgs)
	single := CountMessage(e, msgs[0])
	assert.Equal(t, Overhead+single, total)
}

func TestDefaultNeverFails(t *testing.T) {
	c := Default("gpt-4")
	assert.NotNil(t, c)
	assert.GreaterOrEqual(t, c.Count("anything"), 0)
}
