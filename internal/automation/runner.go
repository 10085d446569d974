// File: internal/automation/runner.go
// Package automation is the orchestrator: it owns one verification run
// end to end, from claiming the browser through callback delivery, and
// guarantees the run's artifacts and error reporting on every path out.
package automation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/milstatus/api/schemas"
	"github.com/xkilldash9x/milstatus/internal/artifacts"
	"github.com/xkilldash9x/milstatus/internal/browser"
	"github.com/xkilldash9x/milstatus/internal/callback"
	"github.com/xkilldash9x/milstatus/internal/classifier"
	"github.com/xkilldash9x/milstatus/internal/config"
	"github.com/xkilldash9x/milstatus/internal/sequencer"
)

// ErrRunAbandoned is returned when the safety timer expires before the
// run reaches the verification form. The run's resources are released on
// this path like any other; there is no forced process exit.
var ErrRunAbandoned = errors.New("run abandoned by safety timer")

// ErrClassificationFailed wraps classifier errors so they carry their own
// failure kind in reports.
var ErrClassificationFailed = errors.New("document classification failed")

// Outcome is everything a completed run produced.
type Outcome struct {
	RunID   string
	RunDir  string
	Result  schemas.ClassificationResult
	Receipt schemas.DeliveryReceipt

	// DeliveryErr is set when the callback POST failed. The run itself
	// still succeeded and the result is persisted locally.
	DeliveryErr error
}

// Runner executes verification runs one at a time.
type Runner struct {
	cfg     *config.Config
	logger  *zap.Logger
	manager *browser.Manager
	store   *artifacts.Store

	classifier *classifier.Classifier
	deliverer  *callback.Deliverer
}

// NewRunner wires the pipeline together.
func NewRunner(cfg *config.Config, logger *zap.Logger) (*Runner, error) {
	store, err := artifacts.NewStore(cfg.Artifacts.BaseDir, cfg.Artifacts.ErrorLogCap, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact store: %w", err)
	}
	return &Runner{
		cfg:        cfg,
		logger:     logger.Named("runner"),
		manager:    browser.NewManager(cfg, logger),
		store:      store,
		classifier: classifier.New(cfg.Classifier, logger),
		deliverer:  callback.NewDeliverer(cfg.Callback, logger),
	}, nil
}

// Manager exposes the browser manager, mainly so callers can shut the
// browser process down.
func (r *Runner) Manager() *browser.Manager { return r.manager }

// Store exposes the artifact store.
func (r *Runner) Store() *artifacts.Store { return r.store }

// sessionDriver adapts *browser.Session to the sequencer's Driver.
type sessionDriver struct {
	*browser.Session
}

func (d sessionDriver) WatchDownloads() sequencer.DownloadWaiter {
	return d.Session.WatchDownloads()
}

// Execute performs one verification run. Every failure path writes a
// masked error report into the run directory and the shared error log
// before the error is returned; the browser hold is always released.
func (r *Runner) Execute(ctx context.Context, req *schemas.AutomationRequest) (*Outcome, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}

	run, err := r.store.NewRun(time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}
	logger := r.logger.With(
		zap.String("run_id", run.ID()),
		zap.String("correlation_id", req.CorrelationID),
	)
	logger.Info("Starting verification run.")

	// The safety timer guards run startup only: a run that has not
	// reached the form within the bound is treated as hung and
	// abandoned by cancelling the run context, which unwinds the
	// browser work and releases the hold. Once navigation completes
	// the guard stands down and the per-stage timeouts take over.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var abandoned atomic.Bool
	guard := time.AfterFunc(r.cfg.Artifacts.SafetyTimer, func() {
		abandoned.Store(true)
		cancel()
	})
	defer guard.Stop()

	var (
		outcome *Outcome
		stage   string
	)
	err = r.manager.WithSession(runCtx, run.ID(), func(session *browser.Session) error {
		var runErr error
		outcome, stage, runErr = r.executeRun(runCtx, session, run, req, logger, func() { guard.Stop() })
		return runErr
	})
	if err != nil {
		if abandoned.Load() && ctx.Err() == nil {
			err = fmt.Errorf("%w: %v", ErrRunAbandoned, err)
		}
		r.reportFailure(run, req, err, stage)
		return nil, err
	}

	logger.Info("Verification run complete.",
		zap.String("determination", string(outcome.Result.Determination)),
		zap.Bool("delivered", outcome.Receipt.Delivered),
	)
	return outcome, nil
}

// executeRun holds the browser-facing part of the pipeline. It returns
// the stage name a failure belongs to so the report can point at it.
// navigated is called once the form page has been reached.
func (r *Runner) executeRun(ctx context.Context, session *browser.Session, run *artifacts.Run, req *schemas.AutomationRequest, logger *zap.Logger, navigated func()) (*Outcome, string, error) {
	recorder := browser.NewRecorder(session.Context(), logger, func(ev schemas.NetworkEvent) {
		if err := run.AppendNetworkEvent(ev); err != nil {
			logger.Warn("Failed to persist network event.", zap.Error(err))
		}
	})
	if err := recorder.Start(session.Context()); err != nil {
		logger.Warn("Network recorder unavailable for this run.", zap.Error(err))
	}

	shots := func(stage string, png []byte) {
		if _, err := run.SaveScreenshot(stage, png); err != nil {
			logger.Warn("Failed to save screenshot.", zap.String("stage", stage), zap.Error(err))
		}
	}
	seq := sequencer.New(r.cfg, logger, shots)
	seq.OnNavigated(navigated)

	downloadDir := filepath.Join(run.Dir(), "downloads")
	seqResult, err := seq.Run(ctx, sessionDriver{session}, req, downloadDir)
	if err != nil {
		return nil, stageOf(err), err
	}

	result, err := r.classifier.Classify(req.CorrelationID, seqResult.Document)
	if err != nil {
		return nil, "classify", fmt.Errorf("%w: %v", ErrClassificationFailed, err)
	}
	result.DocumentName = artifacts.DocumentName(result.Determination, req.FirstName, req.LastName)

	if _, err := run.SaveDocument(result.DocumentName, seqResult.Document); err != nil {
		return nil, "persist", err
	}
	if err := run.SaveResult(result); err != nil {
		return nil, "persist", err
	}

	outcome := &Outcome{RunID: run.ID(), RunDir: run.Dir(), Result: result}

	// Delivery gets a context detached from the safety timer so a run
	// that finished at the wire is still reported to the caller.
	deliverCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.Callback.Timeout)
	defer cancel()

	receipt, deliverErr := r.deliverer.Deliver(deliverCtx, req.CallbackURL, result, seqResult.Document)
	outcome.Receipt = receipt
	if err := run.SaveDeliveryReceipt(receipt); err != nil {
		logger.Warn("Failed to persist delivery receipt.", zap.Error(err))
	}
	if deliverErr != nil {
		// The run succeeded; the caller just did not hear about it.
		// Surface it in the reports without failing the run.
		outcome.DeliveryErr = deliverErr
		r.reportFailure(run, req, deliverErr, "deliver")
	}

	return outcome, "", nil
}

// reportFailure writes the masked error report into the run directory and
// appends it to the shared error log. Reporting failures are logged, not
// propagated; the original error matters more.
func (r *Runner) reportFailure(run *artifacts.Run, req *schemas.AutomationRequest, cause error, stage string) {
	report := schemas.ErrorReport{
		Timestamp:     time.Now().UTC(),
		Message:       cause.Error(),
		Kind:          errKindFor(cause),
		Stage:         stage,
		RunID:         run.ID(),
		CorrelationID: req.CorrelationID,
		MaskedSSN:     schemas.MaskSSN(req.SSN),
		CallbackHint:  schemas.PreviewURL(req.CallbackURL),
		Network:       schemas.Summarize(run.NetworkEvents()),
	}

	if err := run.SaveErrorReport(report); err != nil {
		r.logger.Error("Failed to write run error report.", zap.Error(err))
	}
	if err := r.store.Errors().Append(report); err != nil {
		r.logger.Error("Failed to append to shared error log.", zap.Error(err))
	}
}

// errKindFor maps an error chain onto the failure taxonomy.
func errKindFor(err error) schemas.ErrorKind {
	switch {
	case errors.Is(err, browser.ErrSessionBusy):
		return schemas.ErrKindSessionBusy
	case errors.Is(err, browser.ErrLaunchFailed):
		return schemas.ErrKindLaunchFailed
	case errors.Is(err, ErrRunAbandoned):
		return schemas.ErrKindRunAbandoned
	case errors.Is(err, sequencer.ErrNavigationFailed):
		return schemas.ErrKindNavigationFailed
	case errors.Is(err, sequencer.ErrLoginFailed):
		return schemas.ErrKindLoginFailed
	case errors.Is(err, sequencer.ErrFormFillFailed):
		return schemas.ErrKindFormFillFailed
	case errors.Is(err, sequencer.ErrConsentNotAcknowledged):
		return schemas.ErrKindConsentFailed
	case errors.Is(err, sequencer.ErrSubmissionFailed):
		return schemas.ErrKindSubmissionFailed
	case errors.Is(err, callback.ErrDeliveryFailed):
		return schemas.ErrKindDeliveryFailed
	case errors.Is(err, ErrClassificationFailed):
		return schemas.ErrKindClassifierFailed
	default:
		return schemas.ErrKindInternal
	}
}

// stageOf names the sequencer stage a failure belongs to.
func stageOf(err error) string {
	switch {
	case errors.Is(err, sequencer.ErrNavigationFailed):
		return sequencer.StageNavigate
	case errors.Is(err, sequencer.ErrLoginFailed):
		return sequencer.StageLogin
	case errors.Is(err, sequencer.ErrFormFillFailed):
		return sequencer.StageFill
	case errors.Is(err, sequencer.ErrConsentNotAcknowledged):
		return sequencer.StageCheckbox
	case errors.Is(err, sequencer.ErrSubmissionFailed):
		return sequencer.StageSubmit
	default:
		return ""
	}
}
