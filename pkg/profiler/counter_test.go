package profiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounter(t *testing.T) {
	p, backend := newTestProfiler(t)
	counter, err := p.DefineCounter("main")
	require.NoError(t, err)

	counter.Add(10)
	counter.Sub(3)
	counter.Set(42)
	counter.Config(CounterFormatBytes, 1<<20, CounterFlagDetailed|CounterFlagDetailedGraph)

	token := backend.CounterToken("main")
	assert.Equal(t, []call{
		{Op: "counter-add", Token: token, Value: 10},
		{Op: "counter-add", Token: token, Value: -3},
		{Op: "counter-set", Token: token, Value: 42},
		{Op: "counter-config", Name: "main:bytes", Value: 1 << 20, Tick: 3},
	}, backend.Calls())
}

func TestLocalCounter(t *testing.T) {
	p, backend := newTestProfiler(t)
	local, err := p.DefineLocalCounter("allocs")
	require.NoError(t, err)
	token := backend.CounterToken("allocs")

	local.Add(5)
	local.Add(2)
	local.Sub(1)
	assert.EqualValues(t, 6, local.Value())
	assert.Empty(t, backend.Calls(), "local updates must not reach the backend")

	local.Flush()
	assert.Zero(t, local.Value())
	local.Flush()

	local.Set(9)
	local.FlushSet()
	assert.EqualValues(t, 9, local.Value())

	assert.Equal(t, []call{
		{Op: "counter-add", Token: token, Value: 6},
		{Op: "counter-set", Token: token, Value: 9},
	}, backend.Calls())
}

func TestCounterInvalidName(t *testing.T) {
	p, _ := newTestProfiler(t)
	_, err := p.DefineCounter("")
	assert.ErrorIs(t, err, ErrInvalidName)
	_, err = p.DefineLocalCounter("x\x00")
	assert.ErrorIs(t, err, ErrInvalidName)
}
