package testrunner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/flanksource/headless-mocha/browser"
	"github.com/flanksource/headless-mocha/bundle"
	"github.com/flanksource/headless-mocha/harness"
	"github.com/flanksource/headless-mocha/serve"
	"github.com/flanksource/headless-mocha/shutdown"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fakeBundler struct {
	mu      sync.Mutex
	calls   int
	entries []string
	err     error
	delay   time.Duration
}

func (b *fakeBundler) Bundle(_ context.Context, entry, outfile string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	time.Sleep(b.delay)
	data, err := os.ReadFile(entry)
	if err != nil {
		return err
	}
	b.entries = append(b.entries, string(data))
	if b.err != nil {
		return b.err
	}
	return os.WriteFile(outfile, []byte("describe('bundled', function () {});"), 0644)
}

func (b *fakeBundler) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type fakeSession struct {
	mu          sync.Mutex
	navigated   []string
	body        string
	navErr      error
	fetch       bool
	failures    int
	reporterErr error
	reporters   []string
	closed      int
}

func (s *fakeSession) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	s.mu.Lock()
	s.navigated = append(s.navigated, url)
	s.mu.Unlock()
	if s.navErr != nil {
		return s.navErr
	}
	if !s.fetch {
		return nil
	}
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.body = string(data)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) RunReporter(_ context.Context, reporter string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reporters = append(s.reporters, reporter)
	return s.failures, s.reporterErr
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeSession) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeHandle struct {
	mu      sync.Mutex
	url     string
	stopped int
}

func (h *fakeHandle) URL() string { return h.url }

func (h *fakeHandle) Stop(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped++
	return nil
}

func (h *fakeHandle) Stopped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

type fakeStrategy struct {
	name    string
	bundles bool
	err     error
	handle  *fakeHandle
	doc     *harness.Document
	docPath string
	served  int
}

func (s *fakeStrategy) Name() string  { return s.name }
func (s *fakeStrategy) Bundles() bool { return s.bundles }

func (s *fakeStrategy) Serve(ctx context.Context, doc *harness.Document, docPath string) (serve.Handle, error) {
	s.served++
	s.doc = doc
	s.docPath = docPath
	if s.err != nil {
		return nil, &serve.Error{Strategy: s.name, Err: s.err}
	}
	return s.handle, nil
}

func writeFile(root, rel, content string) {
	path := filepath.Join(root, rel)
	Expect(os.MkdirAll(filepath.Dir(path), 0755)).To(Succeed())
	Expect(os.WriteFile(path, []byte(content), 0644)).To(Succeed())
}

var _ = Describe("TestOrchestrator", func() {
	var (
		workDir  string
		bundler  *fakeBundler
		session  *fakeSession
		launched int
		strategy *fakeStrategy
		o        *TestOrchestrator
	)

	BeforeEach(func() {
		workDir = GinkgoT().TempDir()
		writeFile(workDir, "a.test.ts", "describe('a', () => { it('works', () => {}) })\n")
		writeFile(workDir, "sub/b.test.ts", "import { expect } from 'chai'\ndescribe('b', () => {})\n")
		writeFile(workDir, "sub/helper.ts", "export const x = 1\n")
		writeFile(workDir, "node_modules/dep/c.test.ts", "import { describe } from 'mocha'\n")
		writeFile(workDir, "node_modules/mocha/mocha.js", "window.mocha = {}")
		writeFile(workDir, "node_modules/mocha/mocha.css", "#mocha {}")
		writeFile(workDir, "node_modules/mocha/package.json", `{"version": "10.2.0"}`)

		opts := DefaultRunOptions()
		opts.WorkDir = workDir
		opts.Serve = "fake"

		bundler = &fakeBundler{}
		session = &fakeSession{}
		launched = 0
		strategy = &fakeStrategy{name: "fake", handle: &fakeHandle{url: "http://localhost:1234/"}}

		o = NewTestOrchestrator(opts)
		o.Builder.Bundler = bundler
		o.Registry.Register(strategy)
		o.Launch = func(ctx context.Context) (BrowserSession, error) {
			launched++
			return session, nil
		}
	})

	AfterEach(func() {
		Expect(shutdown.Pending()).To(BeZero(), "teardown hooks must be unregistered after a run")
	})

	expectTornDown := func() {
		Expect(session.Closed()).To(Equal(1), "browser must be closed exactly once")
		Expect(strategy.handle.Stopped()).To(Equal(1), "server must be stopped exactly once")
	}

	It("passes when the reporter reports no failures", func() {
		result, err := o.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(ExitCode(err)).To(Equal(0))

		Expect(result.Passed()).To(BeTrue())
		Expect(result.URL).To(Equal("http://localhost:1234/"))
		Expect(result.Files).To(HaveLen(2))
		Expect(result.Files[0].Rel).To(Equal("a.test.ts"))
		Expect(result.Files[1].Rel).To(Equal("sub/b.test.ts"))

		Expect(session.navigated).To(Equal([]string{"http://localhost:1234/"}))
		Expect(session.reporters).To(Equal([]string{"spec"}))
		expectTornDown()
	})

	It("bundles one import per discovered file in traversal order", func() {
		_, err := o.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())

		Expect(bundler.entries).To(HaveLen(1))
		Expect(bundler.entries[0]).To(Equal("import \"../a.test.ts\";\nimport \"../sub/b.test.ts\";\n"))
	})

	It("writes the harness document into the scratch directory", func() {
		_, err := o.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())

		docPath := filepath.Join(workDir, DefaultScratch, harness.DocumentFile)
		Expect(strategy.docPath).To(Equal(docPath))
		data, err := os.ReadFile(docPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(Equal(strategy.doc.HTML))
		Expect(strategy.doc.HTML).To(ContainSubstring("mocha.setup('bdd')"))
		Expect(strategy.doc.HTML).To(ContainSubstring("describe('bundled'"))
	})

	It("fails with the failure count when tests fail", func() {
		session.failures = 3

		result, err := o.Run(context.Background())
		Expect(err).To(HaveOccurred())
		Expect(ExitCode(err)).To(Equal(1))
		Expect(KindOf(err)).To(Equal(KindTestFailure))
		Expect(err.Error()).To(ContainSubstring("3 tests failed"))
		Expect(result.Failures).To(Equal(3))
		Expect(result.Passed()).To(BeFalse())
		expectTornDown()
	})

	It("never runs the reporter when navigation times out", func() {
		session.navErr = fmt.Errorf("%w: page did not load", browser.ErrNavigationTimeout)

		_, err := o.Run(context.Background())
		Expect(ExitCode(err)).To(Equal(1))
		Expect(KindOf(err)).To(Equal(KindNavigationTimeout))
		Expect(errors.Is(err, browser.ErrNavigationTimeout)).To(BeTrue())
		Expect(session.reporters).To(BeEmpty())
		expectTornDown()
	})

	It("reports a missing reporter as a structural failure", func() {
		session.reporterErr = browser.ErrReporterMissing

		_, err := o.Run(context.Background())
		Expect(KindOf(err)).To(Equal(KindStructural))
		Expect(errors.Is(err, browser.ErrReporterMissing)).To(BeTrue())
		expectTornDown()
	})

	It("aborts before bundling when a test file imports the test globals", func() {
		writeFile(workDir, "bad.test.ts", "import { describe, it } from 'mocha'\n")
		writeFile(workDir, "sub/worse.test.ts", "const { it } = require(\"mocha\")\n")

		result, err := o.Run(context.Background())
		Expect(ExitCode(err)).To(Equal(1))
		Expect(KindOf(err)).To(Equal(KindConfigurationViolation))
		Expect(err.Error()).To(ContainSubstring("bad.test.ts"))
		Expect(err.Error()).To(ContainSubstring("sub/worse.test.ts"))

		Expect(result.Files).To(HaveLen(4))
		Expect(bundler.Calls()).To(BeZero())
		Expect(launched).To(BeZero())
		Expect(strategy.served).To(BeZero())
	})

	It("closes the browser when the build fails", func() {
		bundler.err = &bundle.BuildError{Messages: []string{"a.test.ts:1:1: ERROR: Could not resolve \"x\""}}

		_, err := o.Run(context.Background())
		Expect(ExitCode(err)).To(Equal(1))
		Expect(KindOf(err)).To(Equal(KindBuild))
		Expect(err.Error()).To(ContainSubstring("Could not resolve"))
		Expect(strategy.served).To(BeZero())
		Expect(session.navigated).To(BeEmpty())
		Expect(session.Closed()).To(BeNumerically("<=", 1))
		if launched > 0 {
			Expect(session.Closed()).To(Equal(1))
		}
	})

	It("cancels a pending browser launch when the build fails", func() {
		bundler.err = &bundle.BuildError{Messages: []string{"boom"}}
		o.Launch = func(ctx context.Context) (BrowserSession, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}

		done := make(chan error, 1)
		go func() {
			_, err := o.Run(context.Background())
			done <- err
		}()
		var err error
		Eventually(done, 5*time.Second).Should(Receive(&err))
		Expect(KindOf(err)).To(Equal(KindBuild))
	})

	It("stops the server when the browser fails to launch", func() {
		o.Launch = func(ctx context.Context) (BrowserSession, error) {
			return nil, errors.New("chrome not found")
		}

		_, err := o.Run(context.Background())
		Expect(ExitCode(err)).To(Equal(1))
		Expect(err.Error()).To(ContainSubstring("chrome not found"))
		Expect(strategy.handle.Stopped()).To(BeNumerically("<=", 1))
		if strategy.served > 0 {
			Expect(strategy.handle.Stopped()).To(Equal(1))
		}
	})

	It("closes the browser when the server fails to start", func() {
		strategy.err = errors.New("address already in use")

		_, err := o.Run(context.Background())
		Expect(KindOf(err)).To(Equal(KindServing))
		Expect(err.Error()).To(ContainSubstring("address already in use"))
		Expect(session.navigated).To(BeEmpty())
		if launched > 0 {
			Expect(session.Closed()).To(Equal(1))
		}
	})

	It("fails on a missing reporter asset", func() {
		Expect(os.Remove(filepath.Join(workDir, "node_modules/mocha/mocha.css"))).To(Succeed())

		_, err := o.Run(context.Background())
		Expect(KindOf(err)).To(Equal(KindStructural))
		Expect(err.Error()).To(ContainSubstring("mocha.css"))
		Expect(strategy.served).To(BeZero())
	})

	It("rejects an unknown serve strategy", func() {
		o.Serve = "webpack"

		_, err := o.Run(context.Background())
		Expect(KindOf(err)).To(Equal(KindConfiguration))
		Expect(launched).To(BeZero())
	})

	It("leaves bundling to strategies that bundle themselves", func() {
		strategy.bundles = true

		_, err := o.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(bundler.Calls()).To(BeZero())
		Expect(strategy.doc.HTML).To(ContainSubstring(`type="module"`))
		Expect(strategy.doc.HTML).To(ContainSubstring(bundle.EntryFile))
		Expect(filepath.Join(workDir, DefaultScratch, bundle.EntryFile)).To(BeARegularFile())
		expectTornDown()
	})

	It("only prints the plan on a dry run", func() {
		o.DryRun = true

		result, err := o.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(result.DryRun).To(BeTrue())
		Expect(result.Files).To(HaveLen(2))
		Expect(result.URL).To(Equal("http://localhost:1234/"))
		Expect(bundler.Calls()).To(BeZero())
		Expect(launched).To(BeZero())
		Expect(strategy.served).To(BeZero())
	})

	Context("with the embedded server", func() {
		BeforeEach(func() {
			o.Serve = serve.EmbeddedName
			o.Registry.Register(serve.NewEmbedded(0))
			session.fetch = true
		})

		It("serves the harness and releases the port", func() {
			result, err := o.Run(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(session.body).To(ContainSubstring(`<div id="mocha"></div>`))
			Expect(session.body).To(ContainSubstring("describe('bundled'"))
			Expect(session.Closed()).To(Equal(1))

			addr := strings.TrimSuffix(strings.TrimPrefix(result.URL, "http://"), "/")
			_, err = net.DialTimeout("tcp", addr, time.Second)
			Expect(err).To(HaveOccurred(), "nothing may listen on %s after the run", addr)
		})

		It("reports the launch failure rather than the cancelled build", func() {
			bundler.delay = 200 * time.Millisecond
			o.Launch = func(ctx context.Context) (BrowserSession, error) {
				return nil, errors.New("chrome not found")
			}

			_, err := o.Run(context.Background())
			Expect(ExitCode(err)).To(Equal(1))
			Expect(KindOf(err)).To(Equal(KindStructural))
			Expect(err.Error()).To(ContainSubstring("chrome not found"))
			Expect(errors.Is(err, context.Canceled)).To(BeFalse())
		})

		It("releases the port when tests fail", func() {
			session.failures = 1

			result, err := o.Run(context.Background())
			Expect(KindOf(err)).To(Equal(KindTestFailure))
			addr := strings.TrimSuffix(strings.TrimPrefix(result.URL, "http://"), "/")
			_, err = net.DialTimeout("tcp", addr, time.Second)
			Expect(err).To(HaveOccurred())
		})

		It("serves linked assets", func() {
			o.Linked = true

			_, err := o.Run(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(session.body).To(ContainSubstring(`src="bundle.js"`))
		})
	})
})
