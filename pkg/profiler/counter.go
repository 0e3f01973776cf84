package profiler

// Counter forwards every update straight to the backend.
type Counter struct {
	h     handle
	token Token
	name  string
}

func (c *Counter) Name() string {
	return c.name
}

func (c *Counter) Add(delta int64) {
	c.h.backend("Counter.Add").CounterAdd(c.token, delta)
}

func (c *Counter) Sub(delta int64) {
	c.h.backend("Counter.Sub").CounterAdd(c.token, -delta)
}

func (c *Counter) Set(value int64) {
	c.h.backend("Counter.Set").CounterSet(c.token, value)
}

// Config sets how the viewer formats the counter. A limit of zero means no
// limit.
func (c *Counter) Config(format CounterFormat, limit int64, flags CounterFlags) {
	c.h.backend("Counter.Config").CounterConfig(c.name, format, limit, flags)
}

// LocalCounter accumulates updates in the caller and only talks to the
// backend on Flush or FlushSet. It is not safe for concurrent use.
type LocalCounter struct {
	h     handle
	token Token
	name  string
	value int64
}

func (c *LocalCounter) Name() string {
	return c.name
}

func (c *LocalCounter) Add(delta int64) {
	c.value += delta
}

func (c *LocalCounter) Sub(delta int64) {
	c.value -= delta
}

func (c *LocalCounter) Set(value int64) {
	c.value = value
}

func (c *LocalCounter) Value() int64 {
	return c.value
}

// Flush adds the buffered value to the backend counter and resets it to zero.
func (c *LocalCounter) Flush() {
	backend := c.h.backend("LocalCounter.Flush")
	if c.value == 0 {
		return
	}
	backend.CounterAdd(c.token, c.value)
	c.value = 0
}

// FlushSet overwrites the backend counter with the buffered value, which is
// kept.
func (c *LocalCounter) FlushSet() {
	c.h.backend("LocalCounter.FlushSet").CounterSet(c.token, c.value)
}
