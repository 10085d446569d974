// File: internal/browser/recorder.go
package browser

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/milstatus/api/schemas"
)

// EventSink receives network events as they happen. Implementations must
// be safe for concurrent use; the CDP event dispatcher calls from its own
// goroutine.
type EventSink func(schemas.NetworkEvent)

// Recorder listens to the tab's CDP network events and forwards them to a
// sink as normalized entries. It keeps just enough request state to
// attribute failures to a URL; body capture is deliberately out of scope.
type Recorder struct {
	logger *zap.Logger
	sink   EventSink

	sessionCtx context.Context

	mu       sync.Mutex
	requests map[network.RequestID]string // request id -> URL

	isStarted bool
}

// NewRecorder creates a recorder bound to the tab's context.
func NewRecorder(sessionCtx context.Context, logger *zap.Logger, sink EventSink) *Recorder {
	return &Recorder{
		sessionCtx: sessionCtx,
		logger:     logger.Named("recorder"),
		sink:       sink,
		requests:   make(map[network.RequestID]string),
	}
}

// Start enables the network domain and begins dispatching events. Call
// before the first navigation so the initial document request is captured.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.isStarted {
		r.mu.Unlock()
		return nil
	}
	r.isStarted = true
	r.mu.Unlock()

	chromedp.ListenTarget(r.sessionCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			r.handleRequestWillBeSent(e)
		case *network.EventResponseReceived:
			r.handleResponseReceived(e)
		case *network.EventLoadingFailed:
			r.handleLoadingFailed(e)
		case *network.EventLoadingFinished:
			r.handleLoadingFinished(e)
		}
	})

	if err := chromedp.Run(ctx, network.Enable()); err != nil {
		return err
	}

	r.logger.Debug("Network recorder started.")
	return nil
}

func (r *Recorder) handleRequestWillBeSent(e *network.EventRequestWillBeSent) {
	if e.Request == nil {
		return
	}
	r.mu.Lock()
	r.requests[e.RequestID] = e.Request.URL
	r.mu.Unlock()

	r.emit(schemas.NetworkEvent{
		Timestamp: time.Now().UTC(),
		Kind:      schemas.NetworkRequestSent,
		URL:       e.Request.URL,
		Method:    e.Request.Method,
	})
}

func (r *Recorder) handleResponseReceived(e *network.EventResponseReceived) {
	if e.Response == nil {
		return
	}
	kind := schemas.NetworkResponseReceived
	if e.Response.Status >= 400 {
		kind = schemas.NetworkResponseError
	}
	r.emit(schemas.NetworkEvent{
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		URL:       e.Response.URL,
		Status:    e.Response.Status,
	})
}

func (r *Recorder) handleLoadingFailed(e *network.EventLoadingFailed) {
	r.mu.Lock()
	url := r.requests[e.RequestID]
	delete(r.requests, e.RequestID)
	r.mu.Unlock()

	r.emit(schemas.NetworkEvent{
		Timestamp: time.Now().UTC(),
		Kind:      schemas.NetworkRequestFailed,
		URL:       url,
		Failure:   e.ErrorText,
	})
}

func (r *Recorder) handleLoadingFinished(e *network.EventLoadingFinished) {
	// Terminal event for a successful request; drop the bookkeeping entry.
	r.mu.Lock()
	delete(r.requests, e.RequestID)
	r.mu.Unlock()
}

func (r *Recorder) emit(ev schemas.NetworkEvent) {
	if r.sink == nil {
		return
	}
	r.sink(ev)
}
