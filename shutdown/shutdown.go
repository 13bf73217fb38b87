package shutdown

import (
	"container/heap"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/flanksource/commons/logger"
)

// Hooks run in ascending priority: the browser closes before the server stops.
const (
	PriorityBrowser = 0
	PriorityDefault = 100
	PriorityServer  = 200
)

type Hook struct {
	label    string
	priority int
	fn       func()
	index    int // for heap interface
}

type HookHeap []*Hook

func (h HookHeap) Len() int           { return len(h) }
func (h HookHeap) Less(i, j int) bool { return h[i].priority < h[j].priority }
func (h HookHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *HookHeap) Push(x any) {
	n := len(*h)
	item := x.(*Hook)
	item.index = n
	*h = append(*h, item)
}

func (h *HookHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

var (
	hooks    HookHeap
	hooksMux sync.Mutex
	once     sync.Once

	// exit is swapped in tests.
	exit = os.Exit
)

// AddHook registers fn to run on Shutdown and returns a func that unregisters it.
func AddHook(label string, fn func()) func() {
	return AddHookWithPriority(label, PriorityDefault, fn)
}

func AddHookWithPriority(label string, priority int, fn func()) func() {
	hooksMux.Lock()
	defer hooksMux.Unlock()

	hook := &Hook{
		label:    label,
		priority: priority,
		fn:       fn,
	}
	heap.Push(&hooks, hook)
	return func() { remove(hook) }
}

func remove(hook *Hook) {
	hooksMux.Lock()
	defer hooksMux.Unlock()
	if hook.index < 0 || hook.index >= len(hooks) || hooks[hook.index] != hook {
		return
	}
	heap.Remove(&hooks, hook.index)
}

// Pending returns the number of registered hooks.
func Pending() int {
	hooksMux.Lock()
	defer hooksMux.Unlock()
	return len(hooks)
}

func Shutdown() {
	hooksMux.Lock()
	defer hooksMux.Unlock()

	if len(hooks) == 0 {
		return
	}

	logger.Debugf("Executing %d shutdown hooks", len(hooks))

	for hooks.Len() > 0 {
		hook := heap.Pop(&hooks).(*Hook)
		logger.Debugf("Executing shutdown hook: %s (priority=%d)", hook.label, hook.priority)

		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("Panic in shutdown hook %s: %v", hook.label, r)
				}
			}()
			hook.fn()
		}()
	}
}

// WaitForSignal runs the hooks and exits 1 on SIGINT or SIGTERM. An interrupted run is a failed run.
func WaitForSignal() {
	once.Do(func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

		sig := <-sigChan
		_, _ = fmt.Fprintf(os.Stderr, "\nReceived %s - stopping browser and server...\n", sig)

		go func() {
			<-sigChan
			_, _ = fmt.Fprintf(os.Stderr, "\nForce exit\n")
			exit(1)
		}()

		Shutdown()
		exit(1)
	})
}

// RecoverAndShutdown is deferred in main: it runs the hooks and, if main is
// panicking, reports the panic and exits 1.
func RecoverAndShutdown() {
	r := recover()
	Shutdown()
	if r != nil {
		_, _ = fmt.Fprintf(os.Stderr, "panic: %v\n", r)
		exit(1)
	}
}
