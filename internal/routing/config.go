package routing

// Default agent IDs used by a fresh RouteConfig.
const (
	DefaultAgentID  = "default"
	FallbackAgentID = "fallback"
)

// RouteConfig is an ordered set of bindings plus default and fallback agents.
// Declaration order is preserved and breaks priority ties.
// RouteConfig is not safe for concurrent use; the Resolver guards it.
type RouteConfig struct {
	bindings      []AgentBinding
	index         map[string]string // binding id → agent id
	defaultAgent  string
	fallbackAgent string
}

// NewRouteConfig returns an empty config with the stock default and fallback agents.
func NewRouteConfig() *RouteConfig {
	return &RouteConfig{
		index:         make(map[string]string),
		defaultAgent:  DefaultAgentID,
		fallbackAgent: FallbackAgentID,
	}
}

// AddBinding appends b. A binding with the same id is replaced in place.
func (c *RouteConfig) AddBinding(b AgentBinding) {
	for i := range c.bindings {
		if c.bindings[i].ID == b.ID {
			c.bindings[i] = b
			c.index[b.ID] = b.AgentID
			return
		}
	}
	c.bindings = append(c.bindings, b)
	c.index[b.ID] = b.AgentID
}

// RemoveBinding deletes the binding with id and reports whether it existed.
func (c *RouteConfig) RemoveBinding(id string) bool {
	for i := range c.bindings {
		if c.bindings[i].ID == id {
			c.bindings = append(c.bindings[:i], c.bindings[i+1:]...)
			delete(c.index, id)
			return true
		}
	}
	return false
}

// GetBinding returns the binding with id.
func (c *RouteConfig) GetBinding(id string) (AgentBinding, bool) {
	if _, ok := c.index[id]; !ok {
		return AgentBinding{}, false
	}
	for _, b := range c.bindings {
		if b.ID == id {
			return b, true
		}
	}
	return AgentBinding{}, false
}

// AgentFor returns the agent bound by binding id.
func (c *RouteConfig) AgentFor(id string) (string, bool) {
	agent, ok := c.index[id]
	return agent, ok
}

// ListBindings returns a copy of the bindings in declaration order.
func (c *RouteConfig) ListBindings() []AgentBinding {
	out := make([]AgentBinding, len(c.bindings))
	copy(out, c.bindings)
	return out
}

// Len returns the number of bindings.
func (c *RouteConfig) Len() int { return len(c.bindings) }

func (c *RouteConfig) SetDefaultAgent(id string)  { c.defaultAgent = id }
func (c *RouteConfig) SetFallbackAgent(id string) { c.fallbackAgent = id }
func (c *RouteConfig) DefaultAgent() string       { return c.defaultAgent }
func (c *RouteConfig) FallbackAgent() string      { return c.fallbackAgent }

// clone returns a deep enough copy for the resolver to own.
func (c *RouteConfig) clone() *RouteConfig {
	out := &RouteConfig{
		bindings:      c.ListBindings(),
		index:         make(map[string]string, len(c.index)),
		defaultAgent:  c.defaultAgent,
		fallbackAgent: c.fallbackAgent,
	}
	for k, v := range c.index {
		out.index[k] = v
	}
	return out
}
