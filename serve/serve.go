package serve

import (
	"context"
	"fmt"
	"sort"

	"github.com/flanksource/clicky"
	"github.com/flanksource/clicky/api"
	"github.com/flanksource/headless-mocha/harness"
	"github.com/samber/lo"
)

// Handle is a running server. Stop must be called on every exit path; it is safe
// to call more than once.
type Handle interface {
	URL() string
	Stop(ctx context.Context) error
}

// Strategy makes a harness document reachable over HTTP.
type Strategy interface {
	Name() string

	// Bundles reports whether the strategy compiles the test entry module itself,
	// in which case the document links the unbundled entry.
	Bundles() bool

	// Serve blocks until the server is ready to accept requests. docPath is the
	// document as written to disk.
	Serve(ctx context.Context, doc *harness.Document, docPath string) (Handle, error)
}

// Error wraps failures to start or reach readiness.
type Error struct {
	Strategy string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s server failed: %v", e.Strategy, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Registry holds the available strategies by name.
type Registry struct {
	strategies map[string]Strategy
}

func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{strategies: make(map[string]Strategy)}
	for _, s := range strategies {
		r.Register(s)
	}
	return r
}

func (r *Registry) Register(s Strategy) {
	if s == nil {
		return
	}
	r.strategies[s.Name()] = s
}

func (r *Registry) Get(name string) (Strategy, error) {
	s, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("unknown serve strategy %q, expected one of %v", name, r.Names())
	}
	return s, nil
}

func (r *Registry) Names() []string {
	names := lo.Keys(r.strategies)
	sort.Strings(names)
	return names
}

func (r Registry) Pretty() api.Text {
	return clicky.Text("").Append("strategies: ", "text-muted").Append(clicky.CompactList(r.Names()))
}
