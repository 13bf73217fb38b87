package serve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/flanksource/commons/logger"
	"github.com/flanksource/headless-mocha/harness"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

const (
	EmbeddedName = "embedded"
	DefaultPort  = 1234
)

// Embedded serves the document from an in-process HTTP server. Assets the document
// links are served from disk; every other request receives the document.
type Embedded struct {
	Host string
	Port int
}

func NewEmbedded(port int) *Embedded {
	return &Embedded{Host: "localhost", Port: port}
}

func (e *Embedded) Name() string  { return EmbeddedName }
func (e *Embedded) Bundles() bool { return false }

func (e *Embedded) Serve(ctx context.Context, doc *harness.Document, _ string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &Error{Strategy: EmbeddedName, Err: err}
	}

	srv := &http.Server{
		Handler:           cors.New(cors.Options{AllowedOrigins: []string{"*"}}).Handler(Router(doc)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	h := &embeddedHandle{
		server: srv,
		url:    fmt.Sprintf("http://%s/", net.JoinHostPort(e.Host, strconv.Itoa(ln.Addr().(*net.TCPAddr).Port))),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(h.done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("embedded server stopped: %v", err)
		}
	}()
	logger.Infof("Serving harness at %s", h.url)
	return h, nil
}

// Router routes linked assets to files and everything else to the document.
func Router(doc *harness.Document) *mux.Router {
	r := mux.NewRouter()
	for urlPath, file := range doc.Assets {
		file := file
		r.Path(urlPath).Methods(http.MethodGet, http.MethodHead).HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			http.ServeFile(w, req, file)
		})
	}
	r.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		logger.V(3).Infof("%s %s", req.Method, req.URL.Path)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(doc.HTML))
	})
	return r
}

type embeddedHandle struct {
	server *http.Server
	url    string
	done   chan struct{}
	once   sync.Once
	err    error
}

func (h *embeddedHandle) URL() string { return h.url }

func (h *embeddedHandle) Stop(ctx context.Context) error {
	h.once.Do(func() {
		h.err = h.server.Shutdown(ctx)
		if h.err != nil {
			h.err = errors.Join(h.err, h.server.Close())
		}
		<-h.done
		logger.Debugf("embedded server at %s stopped", h.url)
	})
	return h.err
}
