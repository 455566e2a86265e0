// internal/infra/http/http_execution.go
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"taro/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	requestTimeout = 15 * time.Second
	maxBodyLog     = 1024
)

// statusError is returned for responses with a 4xx or 5xx status code.
type statusError struct {
	code   int
	status string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http request returned %s", e.status)
}

// HTTPExecution calls an HTTP endpoint and retries server errors and timeouts.
type HTTPExecution struct {
	client *http.Client
	method string
	url    string
	retry  domain.RetryPolicy
	logger *slog.Logger
	tracer trace.Tracer

	stopCtx context.Context
	cancel  context.CancelFunc

	mu          sync.Mutex
	status      string
	stopped     bool
	interrupted bool
}

var _ domain.Execution = (*HTTPExecution)(nil)

// NewHTTPExecution creates an execution sending a single request per attempt.
// A nil retry policy means one attempt.
func NewHTTPExecution(method, url string, retry *domain.RetryPolicy, logger *slog.Logger) *HTTPExecution {
	stopCtx, cancel := context.WithCancel(context.Background())
	e := &HTTPExecution{
		client:  &http.Client{Timeout: requestTimeout},
		method:  method,
		url:     url,
		logger:  logger.With("executor_type", "http", "url", url),
		tracer:  otel.Tracer("taro-http-execution"),
		stopCtx: stopCtx,
		cancel:  cancel,
	}
	if retry != nil {
		e.retry = *retry
	}
	return e
}

func (e *HTTPExecution) IsAsync() bool { return false }

// Execute sends the request until it succeeds, fails permanently or runs out of retries.
func (e *HTTPExecution) Execute(ctx context.Context) (domain.ExecutionState, error) {
	ctx, span := e.tracer.Start(ctx, "execution.http.Execute",
		trace.WithAttributes(
			attribute.String("http.method", e.method),
			attribute.String("http.url", e.url),
		))
	defer span.End()

	state, err := e.execute(ctx)
	span.SetAttributes(attribute.String("execution.state", state.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http execution failed")
	}
	return state, err
}

func (e *HTTPExecution) execute(ctx context.Context) (domain.ExecutionState, error) {
	if state, ok := e.cancelledState(); ok {
		return state, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(e.stopCtx, cancel)()

	var lastErr error
	for attempt := 0; ; attempt++ {
		err := e.doExecute(ctx)
		if err == nil {
			e.logger.InfoContext(ctx, "http request completed", "status", e.Status())
			return domain.StateCompleted, nil
		}
		if state, ok := e.cancelledState(); ok {
			return state, nil
		}
		if ctx.Err() != nil {
			e.logger.Info("context done, http execution interrupted", "error", ctx.Err())
			return domain.StateInterrupted, nil
		}

		var execErr *domain.ExecutionError
		if errors.As(err, &execErr) {
			return domain.StateNone, execErr
		}
		lastErr = err
		if !retriable(err) {
			e.logger.Warn("non-retriable http error", "attempt", attempt+1, "error", err)
			break
		}
		if attempt >= e.retry.MaxRetries {
			break
		}

		e.logger.Warn("http request failed, retrying", "attempt", attempt+1, "backoff", e.retry.Backoff, "error", err)
		select {
		case <-time.After(e.retry.Backoff):
		case <-ctx.Done():
			if state, ok := e.cancelledState(); ok {
				return state, nil
			}
			return domain.StateInterrupted, nil
		}
	}

	params := map[string]any{"method": e.method, "url": e.url}
	var se *statusError
	if errors.As(lastErr, &se) {
		params["status_code"] = se.code
	}
	return domain.StateNone, domain.MustExecutionError(lastErr.Error(), domain.StateFailed, params).WithCause(lastErr)
}

func retriable(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var se *statusError
	return errors.As(err, &se) && se.code >= http.StatusInternalServerError
}

// doExecute performs a single request.
func (e *HTTPExecution) doExecute(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, e.method, e.url, nil)
	if err != nil {
		return domain.MustExecutionError("failed to create http request", domain.StateStartFailed,
			map[string]any{"method": e.method, "url": e.url}).WithCause(err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyLog))
	e.mu.Lock()
	e.status = resp.Status
	e.mu.Unlock()

	if resp.StatusCode >= http.StatusBadRequest {
		e.logger.Debug("http error response", "status", resp.Status, "body", string(body))
		return &statusError{code: resp.StatusCode, status: resp.Status}
	}
	return nil
}

func (e *HTTPExecution) cancelledState() (domain.ExecutionState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.stopped:
		return domain.StateStopped, true
	case e.interrupted:
		return domain.StateInterrupted, true
	}
	return domain.StateNone, false
}

// Status returns the status line of the last response.
func (e *HTTPExecution) Status() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *HTTPExecution) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.cancel()
}

func (e *HTTPExecution) Interrupt() {
	e.mu.Lock()
	e.interrupted = true
	e.mu.Unlock()
	e.cancel()
}
