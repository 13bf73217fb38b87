package browser

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/flanksource/commons/logger"
)

// DefaultLoadTimeout bounds page navigation unless overridden.
const DefaultLoadTimeout = 20 * time.Second

var (
	// ErrNavigationTimeout is returned when the page does not fire its load event in time.
	ErrNavigationTimeout = errors.New("navigation timeout")
	// ErrReporterMissing is returned when the loaded page has no mocha global.
	ErrReporterMissing = errors.New("mocha is not loaded in the page")
)

// Options configures the browser launch.
type Options struct {
	// ExecPath overrides the browser executable.
	ExecPath string
	// Headful shows the browser window, for debugging.
	Headful bool
	Sink    ConsoleSink
}

// Session owns one headless browser process and one page in it. Close must be
// called on every exit path.
type Session struct {
	ctx         context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
	relay       *relay
	closeOnce   sync.Once
	closeErr    error
}

// Launch starts the browser and opens a page whose console is relayed to
// opts.Sink. The browser lives until Close is called or ctx is cancelled.
func Launch(ctx context.Context, opts Options) (*Session, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("headless", !opts.Headful),
	)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	sink := opts.Sink
	if sink == nil {
		sink = NewProcessConsole()
	}

	start := time.Now()
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(logger.V(3).Infof),
		chromedp.WithErrorf(logger.Debugf),
	)
	s := &Session{
		ctx:         tabCtx,
		cancelTab:   cancelTab,
		cancelAlloc: cancelAlloc,
		relay:       newRelay(sink),
	}
	chromedp.ListenTarget(tabCtx, s.onEvent)

	if err := chromedp.Run(tabCtx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	logger.Infof("Launched browser (pid %d) in %s", s.PID(), time.Since(start).Round(time.Millisecond))
	return s, nil
}

func (s *Session) onEvent(ev any) {
	switch ev := ev.(type) {
	case *runtime.EventConsoleAPICalled:
		s.relay.push(ConsoleMessage{Method: string(ev.Type), Args: ResolveArgs(ev.Args)})
	case *runtime.EventExceptionThrown:
		s.relay.push(ConsoleMessage{Method: "error", Args: []any{Raw(exceptionText(ev.ExceptionDetails))}})
	}
}

func exceptionText(d *runtime.ExceptionDetails) string {
	if d == nil {
		return "Uncaught exception"
	}
	if d.Exception != nil && d.Exception.Description != "" {
		return "Uncaught " + d.Exception.Description
	}
	return d.Text
}

// PID returns the browser process id, or 0 if it is not running.
func (s *Session) PID() int {
	c := chromedp.FromContext(s.ctx)
	if c == nil || c.Browser == nil || c.Browser.Process() == nil {
		return 0
	}
	return c.Browser.Process().Pid
}

// Navigate loads url and waits for the load event, bounded by timeout.
func (s *Session) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultLoadTimeout
	}
	navCtx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	start := time.Now()
	if err := chromedp.Run(navCtx, chromedp.Navigate(url)); err != nil {
		if errors.Is(navCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s did not load within %s", ErrNavigationTimeout, url, timeout)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	logger.Infof("Loaded %s in %s", url, time.Since(start).Round(time.Millisecond))
	return nil
}

const reporterPresent = `typeof mocha === 'object' && mocha !== null && typeof mocha.run === 'function'`

// RunReporter selects the reporter output format, runs the suite and returns
// the failure count reported by the run callback. There is no timeout other than ctx.
func (s *Session) RunReporter(ctx context.Context, reporter string) (int, error) {
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var present bool
	if err := chromedp.Run(runCtx, chromedp.Evaluate(reporterPresent, &present)); err != nil {
		return 0, fmt.Errorf("failed to inspect page: %w", err)
	}
	if !present {
		return 0, ErrReporterMissing
	}

	script := fmt.Sprintf(`new Promise((resolve) => mocha.reporter(%s).run((failures) => resolve(failures)))`,
		strconv.Quote(reporter))
	var failures int
	err := chromedp.Run(runCtx, chromedp.Evaluate(script, &failures, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("reporter run failed: %w", err)
	}
	return failures, nil
}

// Close shuts the browser down and drains pending console messages. It is safe
// to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if err := chromedp.Cancel(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.closeErr = err
		}
		s.cancelTab()
		s.cancelAlloc()
		s.relay.close()
		logger.Debugf("browser closed")
	})
	return s.closeErr
}

// relay delivers console messages to the sink in order on its own goroutine, so
// the browser event loop never waits on the sink.
type relay struct {
	sink   ConsoleSink
	mu     sync.Mutex
	queue  []ConsoleMessage
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newRelay(sink ConsoleSink) *relay {
	r := &relay{
		sink: sink,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *relay) push(msg ConsoleMessage) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, msg)
	r.mu.Unlock()
	r.notify()
}

func (r *relay) notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *relay) loop() {
	defer close(r.done)
	for {
		r.mu.Lock()
		batch, closed := r.queue, r.closed
		r.queue = nil
		r.mu.Unlock()

		for _, msg := range batch {
			r.sink.Console(msg)
		}
		if len(batch) == 0 {
			if closed {
				return
			}
			<-r.wake
		}
	}
}

// close stops accepting messages and waits for the queued ones to be delivered.
func (r *relay) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.notify()
	<-r.done
}
