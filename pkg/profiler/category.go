package profiler

// Category is the top level of the naming hierarchy. Enabling or disabling
// it filters every group defined under it.
type Category struct {
	h    handle
	name string
}

func (c *Category) Name() string {
	return c.name
}

func (c *Category) Enable(enable bool) {
	backend := c.h.backend("Category.Enable")
	if enable {
		backend.EnableCategory(c.name)
	} else {
		backend.DisableCategory(c.name)
	}
}

// DefineGroup registers a group under c with its display color.
func (c *Category) DefineGroup(name string, color Color) (*Group, error) {
	backend := c.h.backend("DefineGroup")
	if err := validateName("group", name); err != nil {
		return nil, err
	}
	backend.RegisterGroup(name, c.name, color.Pack())
	return &Group{h: c.h, name: name, category: c.name, color: color}, nil
}

func (c *Category) MustDefineGroup(name string, color Color) *Group {
	g, err := c.DefineGroup(name, color)
	if err != nil {
		panic(err)
	}
	return g
}

// Group owns scopes. Scope tokens are issued per (group, name, kind).
type Group struct {
	h        handle
	name     string
	category string
	color    Color
}

func (g *Group) Name() string {
	return g.name
}

func (g *Group) Category() string {
	return g.category
}

func (g *Group) Color() Color {
	return g.color
}

func (g *Group) CPUScope(name string, color Color) (*CPUScope, error) {
	backend := g.h.backend("CPUScope")
	if err := validateName("scope", name); err != nil {
		return nil, err
	}
	token := backend.GetToken(g.name, name, color.Pack(), TokenCPU)
	return &CPUScope{scopeState: scopeState{h: g.h, token: token, name: name}}, nil
}

func (g *Group) MustCPUScope(name string, color Color) *CPUScope {
	s, err := g.CPUScope(name, color)
	if err != nil {
		panic(err)
	}
	return s
}

// GPUScope returns a scope that records into log. The scope must not be
// used after log is closed.
func (g *Group) GPUScope(name string, log *GPUThreadLog, color Color) (*GPUScope, error) {
	backend := g.h.backend("GPUScope")
	if err := validateName("scope", name); err != nil {
		return nil, err
	}
	log.check("GPUScope")
	token := backend.GetToken(g.name, name, color.Pack(), TokenGPU)
	return &GPUScope{scopeState: scopeState{h: g.h, token: token, name: name}, log: log}, nil
}
