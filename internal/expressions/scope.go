package expressions

import "encoding/json"

// Scope is the variable environment a condition or transform evaluates
// against. All values are plain JSON-decoded data; step outputs are frozen
// snapshots so concurrent parallel branches cannot observe partial writes.
type Scope struct {
	Inputs map[string]any // run input data
	Steps  map[string]any // node path -> decoded output of finished steps
	Run    map[string]any // run metadata (run_id, workflow_id)
	Iter   *IterVars      // loop/foreach iteration variables, nil outside loops
}

// IterVars holds the per-iteration variables available as "iter.item" and
// "iter.index" inside loop and foreach bodies.
type IterVars struct {
	Item  any `json:"item"`
	Index int `json:"index"`
}

// Data flattens the scope into the map shape the expression engines consume.
func (s *Scope) Data() map[string]any {
	data := map[string]any{
		"inputs": orEmpty(s.Inputs),
		"steps":  orEmpty(s.Steps),
		"run":    orEmpty(s.Run),
	}
	if s.Iter != nil {
		data["iter"] = map[string]any{"item": s.Iter.Item, "index": s.Iter.Index}
	} else {
		data["iter"] = map[string]any{}
	}
	return data
}

// Frozen returns a copy of the scope whose Steps map is detached from the
// original, so an expression evaluating concurrently with a parallel branch
// never reads a map mid-write. Inputs and Run are write-once.
func (s *Scope) Frozen() *Scope {
	cp := *s
	cp.Steps = make(map[string]any, len(s.Steps))
	for k, v := range s.Steps {
		cp.Steps[k] = v
	}
	return &cp
}

// WithIter returns a copy of the scope bound to one loop iteration.
func (s *Scope) WithIter(item any, index int) *Scope {
	cp := *s
	cp.Iter = &IterVars{Item: item, Index: index}
	return &cp
}

// AddStep decodes and registers a finished step's output under its path.
func (s *Scope) AddStep(path string, output json.RawMessage) {
	if s.Steps == nil {
		s.Steps = make(map[string]any)
	}
	if len(output) == 0 {
		s.Steps[path] = nil
		return
	}
	var v any
	if err := json.Unmarshal(output, &v); err != nil {
		s.Steps[path] = string(output)
		return
	}
	s.Steps[path] = v
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
