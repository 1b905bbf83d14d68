// Package pipeline executes bulk payment mutations in rate-limit-safe batches.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/finbridge/paygate/errs"
	"github.com/finbridge/paygate/internal/observability"
	"github.com/finbridge/paygate/internal/provider"
)

const (
	// DefaultBatchSize bounds how many mutations run concurrently per batch.
	DefaultBatchSize = 10
	// DefaultBatchDelay is the pause inserted between consecutive batches to
	// stay under the provider's request-rate ceiling.
	DefaultBatchDelay = 500 * time.Millisecond
)

const missingFieldsMessage = "PaymentID and InvoiceUID are required"

// Item is one requested mutation: attach InvoiceUID to the payment.
type Item struct {
	PaymentID  string `json:"PaymentID"`
	InvoiceUID string `json:"InvoiceUID"`
}

// ItemResult reports the outcome for a single mutation.
type ItemResult struct {
	PaymentID string `json:"paymentId"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// Result aggregates a full pipeline run. Partial failure is a normal outcome,
// not an error.
type Result struct {
	OverallSuccess bool
	Results        []ItemResult
	Error          string
}

// Clients resolves an account identifier to its provider client.
type Clients interface {
	ClientFor(id string) (provider.Client, error)
}

// Recorder persists an audit record of a completed run. Implementations must
// tolerate being called with failures == nil.
type Recorder interface {
	RecordRun(ctx context.Context, run RunRecord) error
}

// RunRecord summarises one Apply invocation for the audit trail.
type RunRecord struct {
	AccountID string
	Total     int
	Failed    int
	Summary   string
	Duration  time.Duration
	Failures  []ItemResult
}

// Pipeline partitions mutation lists into batches and executes them with
// bounded concurrency.
type Pipeline struct {
	clients   Clients
	batchSize int
	delay     time.Duration
	sleep     func(time.Duration)
	recorder  Recorder

	itemCounter    metric.Int64Counter
	failureCounter metric.Int64Counter
	runCounter     metric.Int64Counter
}

// Option configures optional pipeline behaviour.
type Option func(*Pipeline)

// WithBatchSize overrides the maximum batch size.
func WithBatchSize(size int) Option {
	return func(p *Pipeline) {
		if size > 0 {
			p.batchSize = size
		}
	}
}

// WithBatchDelay overrides the inter-batch pause.
func WithBatchDelay(delay time.Duration) Option {
	return func(p *Pipeline) {
		if delay >= 0 {
			p.delay = delay
		}
	}
}

// WithSleep overrides the sleep function, primarily for testing.
func WithSleep(sleep func(time.Duration)) Option {
	return func(p *Pipeline) {
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

// WithRecorder wires an audit recorder. A nil recorder disables auditing.
func WithRecorder(recorder Recorder) Option {
	return func(p *Pipeline) {
		p.recorder = recorder
	}
}

// New constructs a pipeline over the client source.
func New(clients Clients, opts ...Option) *Pipeline {
	meter := otel.Meter("github.com/finbridge/paygate/internal/pipeline")
	items, _ := meter.Int64Counter("paygate.pipeline.items",
		metric.WithDescription("Mutation items processed."))
	failures, _ := meter.Int64Counter("paygate.pipeline.item_failures",
		metric.WithDescription("Mutation items that failed."))
	runs, _ := meter.Int64Counter("paygate.pipeline.runs",
		metric.WithDescription("Bulk update runs executed."))

	p := &Pipeline{
		clients:        clients,
		batchSize:      DefaultBatchSize,
		delay:          DefaultBatchDelay,
		sleep:          time.Sleep,
		recorder:       nil,
		itemCounter:    items,
		failureCounter: failures,
		runCounter:     runs,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Apply partitions items into batches, executes each batch concurrently, and
// aggregates per-item outcomes. Batches run strictly in order: the next batch
// starts only after every item of the previous one completed and the
// inter-batch delay elapsed. Once started, the run executes to completion.
func (p *Pipeline) Apply(ctx context.Context, accountID string, items []Item) (Result, error) {
	if len(items) == 0 {
		return Result{}, errs.New("pipeline", errs.CodeInvalid,
			errs.WithMessage("payments list must not be empty"))
	}

	client, err := p.clients.ClientFor(accountID)
	if err != nil {
		return Result{}, err
	}

	start := time.Now()
	results := make([]ItemResult, 0, len(items))

	for batchStart := 0; batchStart < len(items); batchStart += p.batchSize {
		batchEnd := batchStart + p.batchSize
		if batchEnd > len(items) {
			batchEnd = len(items)
		}
		results = p.runBatch(ctx, client, items[batchStart:batchEnd], results)

		if batchEnd < len(items) {
			p.sleep(p.delay)
		}
	}

	failed := 0
	for _, res := range results {
		if !res.Success {
			failed++
		}
	}

	out := Result{OverallSuccess: failed == 0, Results: results, Error: ""}
	if failed > 0 {
		out.Error = fmt.Sprintf("%d of %d updates failed", failed, len(items))
	}

	p.observe(ctx, accountID, len(items), failed)
	p.record(ctx, accountID, out, failed, time.Since(start))
	return out, nil
}

// runBatch dispatches every item of the batch concurrently and appends the
// outcomes to acc in completion order.
func (p *Pipeline) runBatch(ctx context.Context, client provider.Client, batch []Item, acc []ItemResult) []ItemResult {
	var mu sync.Mutex
	var wg conc.WaitGroup
	for _, item := range batch {
		item := item
		wg.Go(func() {
			res := p.applyItem(ctx, client, item)
			mu.Lock()
			acc = append(acc, res)
			mu.Unlock()
		})
	}
	wg.Wait()
	return acc
}

func (p *Pipeline) applyItem(ctx context.Context, client provider.Client, item Item) ItemResult {
	if item.PaymentID == "" || item.InvoiceUID == "" {
		return ItemResult{PaymentID: item.PaymentID, Success: false, Error: missingFieldsMessage}
	}
	if err := client.UpdateInvoiceUID(ctx, item.PaymentID, item.InvoiceUID); err != nil {
		return ItemResult{PaymentID: item.PaymentID, Success: false, Error: itemErrorMessage(err)}
	}
	return ItemResult{PaymentID: item.PaymentID, Success: true, Error: ""}
}

// itemErrorMessage prefers the envelope's caller-facing message and falls
// back to the raw error text for plain errors.
func itemErrorMessage(err error) string {
	var e *errs.E
	if errors.As(err, &e) && e != nil && e.Message != "" {
		return e.Message
	}
	return err.Error()
}

func (p *Pipeline) observe(ctx context.Context, accountID string, total, failed int) {
	attrs := metric.WithAttributes(attribute.String("account_id", accountID))
	if p.runCounter != nil {
		p.runCounter.Add(ctx, 1, attrs)
	}
	if p.itemCounter != nil {
		p.itemCounter.Add(ctx, int64(total), attrs)
	}
	if p.failureCounter != nil && failed > 0 {
		p.failureCounter.Add(ctx, int64(failed), attrs)
	}
}

func (p *Pipeline) record(ctx context.Context, accountID string, out Result, failed int, took time.Duration) {
	observability.Log().Info("bulk update completed",
		observability.String("account_id", accountID),
		observability.Int("total", len(out.Results)),
		observability.Int("failed", failed),
	)
	if p.recorder == nil {
		return
	}
	var failures []ItemResult
	for _, res := range out.Results {
		if !res.Success {
			failures = append(failures, res)
		}
	}
	run := RunRecord{
		AccountID: accountID,
		Total:     len(out.Results),
		Failed:    failed,
		Summary:   out.Error,
		Duration:  took,
		Failures:  failures,
	}
	if err := p.recorder.RecordRun(ctx, run); err != nil {
		// The audit trail is advisory; a write failure must not fail the run.
		observability.Log().Error("audit record failed", observability.Err(err))
	}
}
