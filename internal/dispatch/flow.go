package dispatch

import (
	"context"
	"errors"
	"fmt"

	"dispatchd/internal/domain"
	"dispatchd/internal/jobqueue"
	logx "dispatchd/pkg/logx"
)

// ErrNoFlowExecutor parks flow jobs when no executor is installed.
var ErrNoFlowExecutor = errors.New("dispatch: no flow executor configured")

// FlowExecutor runs one automation flow for one contact. An error is retried
// by the flow queue unless wrapped with jobqueue.NoRetry.
type FlowExecutor interface {
	ExecuteFlow(ctx context.Context, job domain.FlowJob) error
}

// FlowExecutorFunc adapts a function to FlowExecutor.
type FlowExecutorFunc func(ctx context.Context, job domain.FlowJob) error

func (f FlowExecutorFunc) ExecuteFlow(ctx context.Context, job domain.FlowJob) error { return f(ctx, job) }

// FlowHandler returns the handler of the flow queue.
func FlowHandler(exec FlowExecutor, log logx.Logger) jobqueue.Handler {
	log = log.With(logx.String("comp", "flow"))
	return func(ctx context.Context, job *jobqueue.Job) error {
		var fj domain.FlowJob
		if err := job.Decode(&fj); err != nil {
			return jobqueue.NoRetry(fmt.Errorf("flow: decode job %s: %w", job.ID, err))
		}
		if fj.FlowID == "" || fj.ContactID == "" {
			return jobqueue.NoRetry(errors.New("flow: flowId and contactId are required"))
		}
		if exec == nil {
			return jobqueue.NoRetry(ErrNoFlowExecutor)
		}
		log.Debug("flow started", logx.String("flow_id", fj.FlowID), logx.String("contact_id", fj.ContactID),
			logx.String("start_node", fj.StartNodeID))
		return exec.ExecuteFlow(ctx, fj)
	}
}
