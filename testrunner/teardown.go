package testrunner

import (
	"context"
	"sync"
	"time"

	"github.com/flanksource/commons/logger"
	"github.com/flanksource/headless-mocha/serve"
	"github.com/flanksource/headless-mocha/shutdown"
)

const stopTimeout = 10 * time.Second

// resources holds the server and browser of one run. Whatever has been acquired
// is released exactly once, from the deferred teardown or a signal hook,
// and anything acquired after release is released immediately.
type resources struct {
	mu       sync.Mutex
	server   serve.Handle
	session  BrowserSession
	released bool
	removers []func()
}

func newResources() *resources {
	r := &resources{}
	r.removers = []func(){
		shutdown.AddHookWithPriority("close browser", shutdown.PriorityBrowser, r.closeBrowser),
		shutdown.AddHookWithPriority("stop server", shutdown.PriorityServer, r.stopServer),
	}
	return r
}

func (r *resources) setServer(h serve.Handle) {
	r.mu.Lock()
	r.server = h
	released := r.released
	r.mu.Unlock()
	if released {
		r.stopServer()
	}
}

func (r *resources) setSession(s BrowserSession) {
	r.mu.Lock()
	r.session = s
	released := r.released
	r.mu.Unlock()
	if released {
		r.closeBrowser()
	}
}

func (r *resources) acquired() (serve.Handle, BrowserSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.server, r.session
}

// release closes the browser first so its console is flushed, then stops the server.
func (r *resources) release() {
	r.mu.Lock()
	r.released = true
	removers := r.removers
	r.removers = nil
	r.mu.Unlock()

	r.closeBrowser()
	r.stopServer()
	for _, remove := range removers {
		remove()
	}
}

func (r *resources) closeBrowser() {
	r.mu.Lock()
	s := r.session
	r.session = nil
	r.released = true
	r.mu.Unlock()
	if s == nil {
		return
	}
	if err := s.Close(); err != nil {
		logger.Warnf("failed to close browser: %v", err)
	}
}

func (r *resources) stopServer() {
	r.mu.Lock()
	h := r.server
	r.server = nil
	r.released = true
	r.mu.Unlock()
	if h == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := h.Stop(ctx); err != nil {
		logger.Warnf("failed to stop server at %s: %v", h.URL(), err)
	}
}
