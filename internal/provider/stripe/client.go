// Package stripe implements the provider capability on the Stripe API.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/stripe/stripe-go/v79"
	sdkclient "github.com/stripe/stripe-go/v79/client"
	"golang.org/x/time/rate"

	"github.com/finbridge/paygate/errs"
	"github.com/finbridge/paygate/internal/registry"
)

// LiveKeyPrefix marks live-mode secret keys.
const LiveKeyPrefix = "sk_live"

// invoiceUIDMetadataKey is the metadata field the invoice UID is stored under.
const invoiceUIDMetadataKey = "invoice_uid"

// Client wraps one account's Stripe credential. The SDK pins its API version
// per release, so every client constructed here speaks the same protocol
// version.
type Client struct {
	api     *sdkclient.API
	limiter *rate.Limiter
	account string
}

// Option configures optional client behaviour.
type Option func(*Client)

// WithRateLimit caps outbound provider requests at rps. Zero disables the cap.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// New constructs a client bound to the descriptor's credential. Network
// retries are disabled; failure handling belongs to the caller.
func New(desc registry.AccountDescriptor, opts ...Option) *Client {
	backendCfg := &sdk.BackendConfig{MaxNetworkRetries: sdk.Int64(0)}
	backend := sdk.GetBackendWithConfig(sdk.APIBackend, backendCfg)

	api := &sdkclient.API{}
	api.Init(desc.Key, &sdk.Backends{API: backend, Connect: backend, Uploads: backend})

	c := &Client{api: api, limiter: nil, account: desc.ID}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// UpdateInvoiceUID writes the invoice UID into the payment intent's metadata.
// Stripe treats a repeated update with the same value as a no-op.
func (c *Client) UpdateInvoiceUID(ctx context.Context, paymentID, invoiceUID string) error {
	if strings.TrimSpace(paymentID) == "" {
		return errs.New("provider/stripe", errs.CodeInvalid, errs.WithMessage("payment id must not be empty"))
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return errs.New("provider/stripe", errs.CodeUnavailable,
				errs.WithMessage("rate limiter wait interrupted"), errs.WithCause(err))
		}
	}

	params := &sdk.PaymentIntentParams{}
	params.Context = ctx
	params.AddMetadata(invoiceUIDMetadataKey, invoiceUID)

	if _, err := c.api.PaymentIntents.Update(paymentID, params); err != nil {
		return translate(paymentID, err)
	}
	return nil
}

func translate(paymentID string, err error) error {
	var sErr *sdk.Error
	if errors.As(err, &sErr) {
		msg := strings.TrimSpace(sErr.Msg)
		if msg == "" {
			msg = fmt.Sprintf("stripe request failed with status %d", sErr.HTTPStatusCode)
		}
		return errs.New("provider/stripe", errs.CodeProvider,
			errs.WithMessage(msg), errs.WithHTTP(sErr.HTTPStatusCode), errs.WithCause(err))
	}
	return errs.New("provider/stripe", errs.CodeProvider,
		errs.WithMessage(fmt.Sprintf("update payment %s: %v", paymentID, err)), errs.WithCause(err))
}
