// Package uploader executes single uploads against the target service with
// a bounded retry budget and a progress watchdog. Results are a closed set
// of outcomes; the worker decides what each outcome means for its batch.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/jackzampolin/bookherd/internal/fingerprint"
	"github.com/jackzampolin/bookherd/internal/metadata"
	"github.com/jackzampolin/bookherd/internal/target"
)

// OutcomeKind classifies how an upload terminated.
type OutcomeKind string

const (
	// OutcomeNew means the server accepted the file as new content.
	OutcomeNew OutcomeKind = "new_uploaded"

	// OutcomeAlreadyPresent means the server already had the content.
	// Terminal success, same as OutcomeNew from the worker's perspective.
	OutcomeAlreadyPresent OutcomeKind = "already_present"

	// OutcomeTransient means the attempt budget was exhausted on errors
	// that may heal (network, 5xx, stuck transfer).
	OutcomeTransient OutcomeKind = "transient_failure"

	// OutcomePermanent means the server definitively rejected the record.
	OutcomePermanent OutcomeKind = "permanent_failure"
)

// Outcome is the terminal result of one Upload call.
type Outcome struct {
	Kind     OutcomeKind
	Reason   string
	Duration time.Duration
}

// Terminal reports whether the record should be marked done (successfully
// or not) rather than retried in a later batch.
func (o Outcome) Terminal() bool {
	return o.Kind != OutcomeTransient
}

const (
	// DefaultAttempts is the total tries per upload: the first attempt
	// plus three retries at 2 s, 4 s, 8 s.
	DefaultAttempts = 4

	// DefaultRetryDelay is the base backoff delay.
	DefaultRetryDelay = 2 * time.Second

	// DefaultProbePeriod is how often the watchdog samples progress.
	DefaultProbePeriod = 60 * time.Second

	// DefaultStallAfter deems an upload stuck when no progress signal
	// advanced for this long.
	DefaultStallAfter = 240 * time.Second

	// DefaultHardCeiling caps any single attempt outright.
	DefaultHardCeiling = 600 * time.Second
)

// errStuck marks a watchdog termination; it is retryable.
var errStuck = errors.New("upload stuck: no progress signals")

// Config tunes an Uploader.
type Config struct {
	Service  target.Service
	Precheck bool

	Attempts   uint
	RetryDelay time.Duration

	ProbePeriod time.Duration
	StallAfter  time.Duration
	HardCeiling time.Duration

	Logger *slog.Logger
}

// Uploader uploads single files. Safe for concurrent use.
type Uploader struct {
	svc      target.Service
	precheck bool

	attempts   uint
	retryDelay time.Duration

	probePeriod time.Duration
	stallAfter  time.Duration
	hardCeiling time.Duration

	logger *slog.Logger
}

// New creates an Uploader with defaults applied.
func New(cfg Config) *Uploader {
	if cfg.Attempts == 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.ProbePeriod == 0 {
		cfg.ProbePeriod = DefaultProbePeriod
	}
	if cfg.StallAfter == 0 {
		cfg.StallAfter = DefaultStallAfter
	}
	if cfg.HardCeiling == 0 {
		cfg.HardCeiling = DefaultHardCeiling
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Uploader{
		svc:         cfg.Service,
		precheck:    cfg.Precheck,
		attempts:    cfg.Attempts,
		retryDelay:  cfg.RetryDelay,
		probePeriod: cfg.ProbePeriod,
		stallAfter:  cfg.StallAfter,
		hardCeiling: cfg.HardCeiling,
		logger:      cfg.Logger,
	}
}

// Upload runs one upload to a terminal outcome. It never returns an error;
// everything maps into the outcome taxonomy.
func (u *Uploader) Upload(ctx context.Context, rec metadata.Record, fp fingerprint.Fingerprint, ref target.FileRef) Outcome {
	start := time.Now()
	outcome := u.upload(ctx, rec, fp, ref)
	outcome.Duration = time.Since(start)
	return outcome
}

func (u *Uploader) upload(ctx context.Context, rec metadata.Record, fp fingerprint.Fingerprint, ref target.FileRef) Outcome {
	if u.precheck {
		exists, err := u.svc.Exists(ctx, fp)
		if err != nil {
			// The pre-check is an optimization; a failing one never blocks
			// the upload itself.
			u.logger.Debug("exists pre-check failed", "hash", fp.Hash, "error", err)
		} else if exists {
			return Outcome{Kind: OutcomeAlreadyPresent, Reason: "pre-check"}
		}
	}

	var final Outcome
	err := retry.Do(
		func() error {
			result, err := u.attemptOnce(ctx, rec, fp, ref)
			if err != nil {
				if transientError(err) {
					final = Outcome{Kind: OutcomeTransient, Reason: err.Error()}
					return err
				}
				final = Outcome{Kind: OutcomePermanent, Reason: err.Error()}
				return retry.Unrecoverable(err)
			}

			switch result.Status {
			case target.StatusNew:
				final = Outcome{Kind: OutcomeNew}
				return nil
			case target.StatusDuplicate:
				final = Outcome{Kind: OutcomeAlreadyPresent, Reason: result.Message}
				return nil
			case target.StatusServerError:
				final = Outcome{Kind: OutcomeTransient, Reason: result.Message}
				return fmt.Errorf("server error: %s", result.Message)
			case target.StatusSizeRejected:
				final = Outcome{Kind: OutcomePermanent, Reason: "file too large: " + result.Message}
				return retry.Unrecoverable(errors.New(result.Message))
			default:
				final = Outcome{Kind: OutcomePermanent, Reason: "validation rejected: " + result.Message}
				return retry.Unrecoverable(errors.New(result.Message))
			}
		},
		retry.Context(ctx),
		retry.Attempts(u.attempts),
		retry.Delay(u.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil && final.Kind == "" {
		final = Outcome{Kind: OutcomeTransient, Reason: err.Error()}
	}
	return final
}

// attemptOnce runs a single watchdogged attempt against the service.
func (u *Uploader) attemptOnce(parent context.Context, rec metadata.Record, fp fingerprint.Fingerprint, ref target.FileRef) (target.UploadResult, error) {
	ctx, cancel := context.WithTimeout(parent, u.hardCeiling)
	defer cancel()

	type attemptResult struct {
		result target.UploadResult
		err    error
	}
	done := make(chan attemptResult, 1)
	go func() {
		result, err := u.svc.Upload(ctx, rec, fp, ref)
		done <- attemptResult{result, err}
	}()

	watch := newWatchdog(u.stallAfter)
	ticker := time.NewTicker(u.probePeriod)
	defer ticker.Stop()

	// The done channel is buffered, so the attempt goroutine never leaks
	// even when the watchdog abandons it.
	for {
		select {
		case r := <-done:
			return r.result, r.err
		case <-ticker.C:
			if watch.stalled() {
				cancel()
				return target.UploadResult{}, errStuck
			}
		case <-ctx.Done():
			if parent.Err() != nil {
				return target.UploadResult{}, parent.Err()
			}
			return target.UploadResult{}, fmt.Errorf("upload exceeded hard ceiling %s: %w", u.hardCeiling, errStuck)
		}
	}
}

// transientError reports whether err looks like it may heal on retry.
func transientError(err error) bool {
	if errors.Is(err, errStuck) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Connection-level failures from the HTTP/WS transports arrive wrapped;
	// treat any syscall-flavored failure as transient.
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
