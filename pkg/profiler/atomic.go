package profiler

import "sync/atomic"

type counter64 struct {
	n atomic.Uint64
}

func (c *counter64) next() uint64 {
	return c.n.Add(1)
}
