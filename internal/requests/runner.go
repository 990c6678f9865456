package requests

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"api-replay/internal/common/logging"
	"api-replay/internal/models"
	"api-replay/internal/transactions"
)

// Runner executes descriptors one after another on a session
type Runner struct {
	builder  *Builder
	handler  *AuthResponseHandler
	recorder *transactions.Recorder
	logger   logging.Logger
}

// NewRunner creates a Runner
func NewRunner(builder *Builder, handler *AuthResponseHandler, recorder *transactions.Recorder, logger logging.Logger) *Runner {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Runner{
		builder:  builder,
		handler:  handler,
		recorder: recorder,
		logger:   logger,
	}
}

// Execute builds and sends every descriptor in order. A failing descriptor
// marks its transaction failed and the batch moves on; all failures are
// returned together. Cancellation stops the batch before the next descriptor.
func (r *Runner) Execute(ctx context.Context, session Session, descriptors []*models.ApiDescriptor) error {
	var errs error
	for _, d := range descriptors {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		if _, err := r.ExecuteOne(ctx, session, d); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", d.Name, err))
		}
	}
	return errs
}

// ExecuteOne runs a single descriptor inside its own transaction
func (r *Runner) ExecuteOne(ctx context.Context, session Session, d *models.ApiDescriptor) (*Response, error) {
	txn := r.recorder.Start(d.Name)
	defer txn.End()

	logger := r.logger.WithContext(ctx).WithFields(
		logging.String("api", d.Name),
		logging.String("session", session.ID()))

	spec, err := r.builder.Build(ctx, session, d)
	if err != nil {
		txn.Fail(err)
		logger.Error("Failed to build request", err)
		return nil, err
	}

	resp, err := session.Send(ctx, spec)
	if err != nil {
		txn.Fail(err)
		logger.Error("Failed to send request", err,
			logging.Int64("request_id", int64(spec.ID)))
		return nil, err
	}

	if !resp.Success() {
		txn.Fail(fmt.Errorf("status %d", resp.StatusCode))
		logger.Warn("Request returned a non-success status",
			logging.Int64("request_id", int64(spec.ID)),
			logging.Int("status", resp.StatusCode))
		return resp, nil
	}

	txn.Pass()
	// a rejected login must not overwrite a token still in use
	if r.handler != nil {
		r.handler.Handle(ctx, session, d)
	}
	return resp, nil
}
