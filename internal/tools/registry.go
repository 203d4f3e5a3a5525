package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

var (
	ErrUnknownTool    = errors.New("unknown tool")
	ErrUnknownToolSet = errors.New("unknown tool set")
)

type entry struct {
	info    *schema.ToolInfo
	wrapped *Wrapped
}

// Registry owns every tool available to the service and the named subsets
// enabled per model selector.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*entry
	sets    map[string][]string
	logger  *slog.Logger
	timeout func(name string) time.Duration
}

// NewRegistry creates a registry. timeout resolves the per-tool deadline and
// may be nil; logger may be nil to disable tool logging.
func NewRegistry(sets map[string][]string, timeout func(name string) time.Duration, logger *slog.Logger) *Registry {
	if timeout == nil {
		timeout = func(string) time.Duration { return DefaultTimeout }
	}
	return &Registry{
		tools:   make(map[string]*entry),
		sets:    sets,
		logger:  logger,
		timeout: timeout,
	}
}

// Register adds an eino tool under the name declared in its ToolInfo.
func (r *Registry) Register(ctx context.Context, t tool.InvokableTool) error {
	if t == nil {
		return errors.New("nil tool")
	}
	info, err := t.Info(ctx)
	if err != nil {
		return fmt.Errorf("tool info: %w", err)
	}
	exec := func(ctx context.Context, input json.RawMessage) (any, error) {
		args := string(input)
		if args == "" {
			args = "{}"
		}
		return t.InvokableRun(ctx, args)
	}
	r.Add(info, exec)
	return nil
}

// Add registers a plain executor.
func (r *Registry) Add(info *schema.ToolInfo, exec Executor) {
	w := Wrap(info.Name, exec, WithTimeout(r.timeout(info.Name)), WithLogger(r.logger))
	r.mu.Lock()
	r.tools[info.Name] = &entry{info: info, wrapped: w}
	r.mu.Unlock()
}

// Names lists registered tools in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Set resolves a named subset. An empty selector yields an empty set.
func (r *Registry) Set(name string) (*ToolSet, error) {
	if name == "" {
		return &ToolSet{byName: map[string]*entry{}}, nil
	}
	names, ok := r.sets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToolSet, name)
	}
	return r.Subset(names...)
}

// Subset builds a ToolSet from explicit tool names.
func (r *Registry) Subset(names ...string) (*ToolSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ts := &ToolSet{byName: make(map[string]*entry, len(names))}
	for _, name := range names {
		e, ok := r.tools[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
		}
		if _, dup := ts.byName[name]; dup {
			continue
		}
		ts.byName[name] = e
		ts.order = append(ts.order, name)
	}
	return ts, nil
}

// ToolSet is the immutable set of tools enabled for one turn.
type ToolSet struct {
	byName map[string]*entry
	order  []string
}

func (ts *ToolSet) Len() int {
	if ts == nil {
		return 0
	}
	return len(ts.order)
}

func (ts *ToolSet) Has(name string) bool {
	if ts == nil {
		return false
	}
	_, ok := ts.byName[name]
	return ok
}

// Infos returns tool declarations for the provider in set order.
func (ts *ToolSet) Infos() []*schema.ToolInfo {
	if ts == nil {
		return nil
	}
	infos := make([]*schema.ToolInfo, 0, len(ts.order))
	for _, name := range ts.order {
		infos = append(infos, ts.byName[name].info)
	}
	return infos
}

// Call runs one tool through its wrapper. Tools outside the set fail
// without running.
func (ts *ToolSet) Call(ctx context.Context, name string, input json.RawMessage) Outcome {
	if !ts.Has(name) {
		return normalize(name, nil, fmt.Errorf("tool %q is not available", name), time.Now())
	}
	return ts.byName[name].wrapped.Call(ctx, input)
}

// Task adapts a call into a fan-out task.
func (ts *ToolSet) Task(name string, input json.RawMessage) Task {
	return Task{
		Name: name,
		Execute: func(ctx context.Context) (any, error) {
			return ts.Call(ctx, name, input), nil
		},
	}
}
