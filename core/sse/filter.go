package sse

// FilterSpec is the query-parameter-driven filter criteria spec §4.4 names
// (eventType, runtime, capability, toolId, toolSideEffecting). Any non-empty
// field narrows delivery; every set field must match for a candidate to
// pass, otherwise the candidate falls to a watermark frame.
type FilterSpec struct {
	EventType         string
	Runtime           string
	Capability        string
	ToolID            string
	ToolSideEffecting *bool
}

func (f FilterSpec) empty() bool {
	return f.EventType == "" && f.Runtime == "" && f.Capability == "" && f.ToolID == "" && f.ToolSideEffecting == nil
}

// Build returns the Filter this spec describes. Candidates carry their
// fields either at the payload's top level (agent cards: capabilities,
// tools) or nested under a "payload" sub-map (session events: the
// caller-supplied event body), so both locations are checked.
func (f FilterSpec) Build() Filter {
	if f.empty() {
		return AllowAll
	}
	return func(c Candidate) bool {
		nested, _ := c.Payload["payload"].(map[string]any)
		if f.EventType != "" {
			v, ok := c.Payload["type"].(string)
			if !ok || v != f.EventType {
				return false
			}
		}
		if f.Runtime != "" && !fieldMatches(c.Payload, nested, "runtime", f.Runtime) {
			return false
		}
		if f.Capability != "" &&
			!fieldMatches(c.Payload, nested, "capability", f.Capability) &&
			!fieldMatches(c.Payload, nested, "capabilities", f.Capability) {
			return false
		}
		if f.ToolID != "" &&
			!fieldMatches(c.Payload, nested, "toolId", f.ToolID) &&
			!fieldMatches(c.Payload, nested, "tools", f.ToolID) {
			return false
		}
		if f.ToolSideEffecting != nil {
			v, ok := fieldBool(c.Payload, nested, "toolSideEffecting")
			if !ok || v != *f.ToolSideEffecting {
				return false
			}
		}
		return true
	}
}

// fieldMatches checks key against want in nested first, then top, treating
// a string value as equality and a []string/[]any value as membership.
func fieldMatches(top, nested map[string]any, key, want string) bool {
	return matchesIn(nested, key, want) || matchesIn(top, key, want)
}

func matchesIn(m map[string]any, key, want string) bool {
	if m == nil {
		return false
	}
	switch v := m[key].(type) {
	case string:
		return v == want
	case []string:
		for _, s := range v {
			if s == want {
				return true
			}
		}
	case []any:
		for _, s := range v {
			if str, ok := s.(string); ok && str == want {
				return true
			}
		}
	}
	return false
}

func fieldBool(top, nested map[string]any, key string) (bool, bool) {
	if nested != nil {
		if v, ok := nested[key].(bool); ok {
			return v, true
		}
	}
	if v, ok := top[key].(bool); ok {
		return v, true
	}
	return false, false
}
