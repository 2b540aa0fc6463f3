package transaction

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/arthur-debert/deployd/pkg/errors"
	"github.com/arthur-debert/deployd/pkg/logging"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// AddressPrefix starts every endpoint address
const AddressPrefix = "unix:path="

// Endpoint serves one transaction to its peers over a unix socket:
//
//	POST /start     201 when started, 200 when already running or finished
//	POST /cancel    202
//	GET  /status    Status as JSON
//	GET  /progress  newline-delimited Event JSON until the finished event
//
// After the transaction finishes the endpoint lingers so late peers can read
// the outcome, then shuts down.
type Endpoint struct {
	txn        *Base
	socketPath string
	linger     time.Duration
	listener   net.Listener
	server     *http.Server
	logger     zerolog.Logger

	closeOnce sync.Once
	closeErr  error
	stopped   chan struct{}
}

func newEndpoint(txn *Base, socketDir string, linger time.Duration) (*Endpoint, error) {
	if err := os.MkdirAll(socketDir, 0755); err != nil {
		return nil, errors.Wrapf(err, errors.ErrTxnConstruct, "failed to create socket directory %s", socketDir)
	}

	socketPath := filepath.Join(socketDir, "txn-"+txn.ID()+".sock")
	_ = os.Remove(socketPath)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrTxnConstruct, "failed to listen on transaction socket").
			WithDetail("path", socketPath)
	}

	e := &Endpoint{
		txn:        txn,
		socketPath: socketPath,
		linger:     linger,
		listener:   listener,
		logger:     logging.GetLogger("transaction.endpoint").With().Str("txn", txn.ID()).Logger(),
		stopped:    make(chan struct{}),
	}
	e.server = &http.Server{Handler: e.router(), ReadHeaderTimeout: 10 * time.Second}

	go e.serve()
	go e.lingerAfterDone()

	e.logger.Debug().Str("socket", socketPath).Msg("Transaction endpoint listening")
	return e, nil
}

// Address is the peer address handed to clients
func (e *Endpoint) Address() string {
	return AddressPrefix + e.socketPath
}

func (e *Endpoint) router() *mux.Router {
	router := mux.NewRouter()
	router.Methods("POST").Path("/start").HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		first, err := e.txn.Start()
		if err != nil {
			writeError(w, err, http.StatusConflict)
			return
		}
		code := http.StatusOK
		if first {
			code = http.StatusCreated
		}
		writeJSON(w, code, e.txn.Status())
	})
	router.Methods("POST").Path("/cancel").HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		e.txn.Cancel()
		writeJSON(w, http.StatusAccepted, e.txn.Status())
	})
	router.Methods("GET").Path("/status").HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, e.txn.Status())
	})
	router.Methods("GET").Path("/progress").HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		encoder := json.NewEncoder(w)
		for ev := range e.txn.Events(req.Context()) {
			if err := encoder.Encode(ev); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	})
	return router
}

func (e *Endpoint) serve() {
	defer close(e.stopped)
	if err := e.server.Serve(e.listener); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		e.logger.Warn().Err(err).Msg("Transaction endpoint stopped")
	}
}

func (e *Endpoint) lingerAfterDone() {
	select {
	case <-e.txn.Done():
	case <-e.stopped:
		return
	}

	timer := time.NewTimer(e.linger)
	defer timer.Stop()
	select {
	case <-timer.C:
		e.logger.Debug().Dur("linger", e.linger).Msg("Linger expired, closing endpoint")
		_ = e.Close()
	case <-e.stopped:
	}
}

// Close shuts the endpoint down and removes its socket. In-flight progress
// streams get a short grace period.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := e.server.Shutdown(ctx); err != nil {
			_ = e.server.Close()
		}
		<-e.stopped
		if err := os.Remove(e.socketPath); err != nil && !os.IsNotExist(err) {
			e.closeErr = errors.Wrap(err, errors.ErrInternal, "failed to remove transaction socket")
		}
	})
	return e.closeErr
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error, code int) {
	writeJSON(w, code, map[string]string{
		"code":  string(errors.GetErrorCode(err)),
		"error": err.Error(),
	})
}
