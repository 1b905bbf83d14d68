package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/finbridge/paygate/errs"
	"github.com/finbridge/paygate/internal/provider"
)

type fakeClient struct {
	mu      sync.Mutex
	calls   []string
	updated map[string]string
	failOn  map[string]error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		calls:   nil,
		updated: make(map[string]string),
		failOn:  make(map[string]error),
	}
}

func (f *fakeClient) UpdateInvoiceUID(_ context.Context, paymentID, invoiceUID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, paymentID)
	if err, ok := f.failOn[paymentID]; ok {
		return err
	}
	f.updated[paymentID] = invoiceUID
	return nil
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeClients struct {
	client provider.Client
	err    error
}

func (f fakeClients) ClientFor(string) (provider.Client, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.client, nil
}

func items(n int) []Item {
	out := make([]Item, n)
	for i := range out {
		out[i] = Item{PaymentID: fmt.Sprintf("pi_%d", i), InvoiceUID: fmt.Sprintf("inv_%d", i)}
	}
	return out
}

func TestApplyEmptyListIsValidationError(t *testing.T) {
	p := New(fakeClients{client: newFakeClient()})
	_, err := p.Apply(context.Background(), "acme", nil)
	require.Error(t, err)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
}

func TestApplyPropagatesClientLookupFailure(t *testing.T) {
	lookupErr := errs.New("clientcache", errs.CodeAccountNotFound, errs.WithMessage("account acme not found"))
	p := New(fakeClients{err: lookupErr})
	_, err := p.Apply(context.Background(), "acme", items(1))
	require.ErrorIs(t, err, lookupErr)
}

func TestApplyProducesOneResultPerItem(t *testing.T) {
	client := newFakeClient()
	p := New(fakeClients{client: client}, WithBatchSize(4), WithSleep(func(time.Duration) {}))

	res, err := p.Apply(context.Background(), "acme", items(11))
	require.NoError(t, err)
	require.True(t, res.OverallSuccess)
	require.Len(t, res.Results, 11)

	seen := make(map[string]int)
	for _, item := range res.Results {
		seen[item.PaymentID]++
	}
	for i := 0; i < 11; i++ {
		require.Equal(t, 1, seen[fmt.Sprintf("pi_%d", i)], "each identifier must appear exactly once")
	}
}

func TestApplyInterBatchDelayCount(t *testing.T) {
	cases := []struct {
		items     int
		batchSize int
		delays    int
	}{
		{1, 10, 0},
		{10, 10, 0},
		{11, 10, 1},
		{25, 10, 2},
		{30, 10, 2},
		{7, 3, 2},
	}
	for _, tc := range cases {
		client := newFakeClient()
		slept := 0
		p := New(fakeClients{client: client},
			WithBatchSize(tc.batchSize),
			WithBatchDelay(500*time.Millisecond),
			WithSleep(func(d time.Duration) {
				require.Equal(t, 500*time.Millisecond, d)
				slept++
			}),
		)
		res, err := p.Apply(context.Background(), "acme", items(tc.items))
		require.NoError(t, err)
		require.Len(t, res.Results, tc.items)
		require.Equal(t, tc.delays, slept, "items=%d batch=%d", tc.items, tc.batchSize)
	}
}

func TestApplyMissingFieldsSkipProviderCall(t *testing.T) {
	client := newFakeClient()
	p := New(fakeClients{client: client}, WithSleep(func(time.Duration) {}))

	res, err := p.Apply(context.Background(), "acme", []Item{
		{PaymentID: "pi_1", InvoiceUID: "inv_1"},
		{PaymentID: "", InvoiceUID: "inv_2"},
	})
	require.NoError(t, err)
	require.False(t, res.OverallSuccess)
	require.Len(t, res.Results, 2)

	byID := make(map[string]ItemResult)
	for _, r := range res.Results {
		byID[r.PaymentID] = r
	}
	require.True(t, byID["pi_1"].Success)
	require.False(t, byID[""].Success)
	require.Equal(t, "PaymentID and InvoiceUID are required", byID[""].Error)
	require.Equal(t, 1, client.callCount(), "invalid item must not reach the provider")
	require.Equal(t, "inv_1", client.updated["pi_1"])
}

func TestApplyIsolatesSingleFailureInBatch(t *testing.T) {
	client := newFakeClient()
	client.failOn["pi_3"] = errs.New("provider/stripe", errs.CodeProvider,
		errs.WithMessage("No such payment_intent: pi_3"))
	p := New(fakeClients{client: client}, WithSleep(func(time.Duration) {}))

	res, err := p.Apply(context.Background(), "acme", items(10))
	require.NoError(t, err)
	require.False(t, res.OverallSuccess)
	require.Equal(t, "1 of 10 updates failed", res.Error)

	succeeded := 0
	for _, r := range res.Results {
		if r.Success {
			succeeded++
			continue
		}
		require.Equal(t, "pi_3", r.PaymentID)
		require.Equal(t, "No such payment_intent: pi_3", r.Error)
	}
	require.Equal(t, 9, succeeded)
	require.Equal(t, 10, client.callCount(), "a failed item must not abort the batch")
}

func TestApplyPlainErrorMessageIsCaptured(t *testing.T) {
	client := newFakeClient()
	client.failOn["pi_0"] = errors.New("connection reset")
	p := New(fakeClients{client: client}, WithSleep(func(time.Duration) {}))

	res, err := p.Apply(context.Background(), "acme", items(1))
	require.NoError(t, err)
	require.Equal(t, "connection reset", res.Results[0].Error)
}

func TestApplyIdempotentReplay(t *testing.T) {
	client := newFakeClient()
	p := New(fakeClients{client: client}, WithSleep(func(time.Duration) {}))

	input := items(3)
	first, err := p.Apply(context.Background(), "acme", input)
	require.NoError(t, err)
	require.True(t, first.OverallSuccess)

	second, err := p.Apply(context.Background(), "acme", input)
	require.NoError(t, err)
	require.True(t, second.OverallSuccess, "replaying identical updates succeeds")
}

type countingRecorder struct {
	mu   sync.Mutex
	runs []RunRecord
}

func (c *countingRecorder) RecordRun(_ context.Context, run RunRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs = append(c.runs, run)
	return nil
}

func TestApplyRecordsAuditRun(t *testing.T) {
	client := newFakeClient()
	client.failOn["pi_1"] = errors.New("boom")
	rec := &countingRecorder{}
	p := New(fakeClients{client: client}, WithSleep(func(time.Duration) {}), WithRecorder(rec))

	_, err := p.Apply(context.Background(), "acme", items(4))
	require.NoError(t, err)

	require.Len(t, rec.runs, 1)
	run := rec.runs[0]
	require.Equal(t, "acme", run.AccountID)
	require.Equal(t, 4, run.Total)
	require.Equal(t, 1, run.Failed)
	require.Equal(t, "1 of 4 updates failed", run.Summary)
	require.Len(t, run.Failures, 1)
	require.Equal(t, "pi_1", run.Failures[0].PaymentID)
}

type erroringRecorder struct{}

func (erroringRecorder) RecordRun(context.Context, RunRecord) error {
	return errors.New("audit db down")
}

func TestApplyAuditFailureDoesNotFailRun(t *testing.T) {
	p := New(fakeClients{client: newFakeClient()}, WithSleep(func(time.Duration) {}), WithRecorder(erroringRecorder{}))

	res, err := p.Apply(context.Background(), "acme", items(2))
	require.NoError(t, err)
	require.True(t, res.OverallSuccess)
}
