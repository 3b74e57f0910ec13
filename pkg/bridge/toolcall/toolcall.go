// Package toolcall accumulates streamed function-call arguments and
// dispatches finalized calls to registered handlers.
package toolcall

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Call is a finalized tool invocation.
type Call struct {
	ID   string
	Name string
	Args map[string]any
}

// Result is what a handler returns to the model.
type Result struct {
	// Output is serialized and sent back as the tool's result payload.
	Output any
	// Instructions, when non-empty, is spoken guidance for the model's next
	// response instead of a structured output.
	Instructions string
	// EndCall requests that the session hang up after the result is
	// delivered.
	EndCall bool
}

// Handler executes a finalized tool call.
type Handler func(ctx context.Context, call Call) (Result, error)

// Definition describes a tool exposed to the model.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     Handler
}

// Registry maps tool names to definitions.
type Registry struct {
	byName map[string]Definition
}

func NewRegistry(defs ...Definition) *Registry {
	r := &Registry{byName: make(map[string]Definition, len(defs))}
	for _, def := range defs {
		if strings.TrimSpace(def.Name) == "" {
			continue
		}
		r.byName[def.Name] = def
	}
	return r
}

func (r *Registry) Get(name string) (Definition, bool) {
	if r == nil {
		return Definition{}, false
	}
	def, ok := r.byName[strings.TrimSpace(name)]
	return def, ok
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptors returns the wire-format tool descriptors advertised to the
// model, name order.
func (r *Registry) Descriptors() []map[string]any {
	if r == nil {
		return nil
	}
	out := make([]map[string]any, 0, len(r.byName))
	for _, name := range r.Names() {
		def := r.byName[name]
		params := def.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, map[string]any{
			"type":        "function",
			"name":        def.Name,
			"description": def.Description,
			"parameters":  params,
		})
	}
	return out
}

type pendingCall struct {
	name string
	args strings.Builder
}

// Accumulator reconstructs tool calls from streamed argument fragments.
// Fragments for a call id arrive in order; the name may arrive on any event
// including the final one. Not safe for concurrent use.
type Accumulator struct {
	pending map[string]*pendingCall
}

func NewAccumulator() *Accumulator {
	return &Accumulator{pending: make(map[string]*pendingCall)}
}

// Append records an argument fragment for the call id, creating the pending
// call on first sight. An empty name keeps any previously seen name.
func (a *Accumulator) Append(id, name, fragment string) {
	if id == "" {
		return
	}
	p, ok := a.pending[id]
	if !ok {
		p = &pendingCall{}
		a.pending[id] = p
	}
	if name != "" {
		p.name = name
	}
	p.args.WriteString(fragment)
}

// Finalize completes the call id and returns the reconstructed call.
// A second finalize for the same id, or a finalize for an id never seen,
// returns ok=false. Arguments that do not parse as a JSON object are wrapped
// as {"raw": <buffer>} so the handler still sees what the model sent.
func (a *Accumulator) Finalize(id, name, finalArgs string) (Call, bool) {
	p, ok := a.pending[id]
	if !ok {
		return Call{}, false
	}
	delete(a.pending, id)

	if name != "" {
		p.name = name
	}
	raw := p.args.String()
	if finalArgs != "" {
		raw = finalArgs
	}

	args := map[string]any{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			args = map[string]any{"raw": raw}
		}
	}
	return Call{ID: id, Name: p.name, Args: args}, true
}

// Pending reports the number of calls still accumulating.
func (a *Accumulator) Pending() int { return len(a.pending) }

// IsDone reports whether a streamed status payload marks a tool call as
// finalized. Providers disagree on the field; any of these means done.
func IsDone(payload map[string]any) bool {
	if status, ok := payload["status"].(string); ok && status == "completed" {
		return true
	}
	for _, key := range []string{"completed", "is_final", "done"} {
		if flag, ok := payload[key].(bool); ok && flag {
			return true
		}
	}
	return false
}

// Dispatch runs the call against the registry. Unknown tools are logged and
// dropped with ok=false. Handler errors and panics produce an apology
// instruction so the conversation can continue.
func Dispatch(ctx context.Context, logger *slog.Logger, registry *Registry, call Call) (result Result, ok bool) {
	if logger == nil {
		logger = slog.Default()
	}
	def, found := registry.Get(call.Name)
	if !found {
		logger.Warn("dropping call to unknown tool", "tool", call.Name, "call_id", call.ID)
		return Result{}, false
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("tool handler panicked", "tool", call.Name, "call_id", call.ID, "panic", fmt.Sprint(r))
			result = apology()
			ok = true
		}
	}()

	result, err := def.Handler(ctx, call)
	if err != nil {
		logger.Error("tool handler failed", "tool", call.Name, "call_id", call.ID, "error", err)
		return apology(), true
	}
	return result, true
}

func apology() Result {
	return Result{Instructions: "Apologize briefly: that action did not work. Offer to try something else."}
}
