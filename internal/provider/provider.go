// Package provider declares the capability surface the gateway requires from
// the billing provider. The concrete transport lives in subpackages.
package provider

import "context"

// Client encapsulates one credential's authority to invoke provider
// operations. Implementations are stateless wrappers over the credential;
// constructing one has no side effects.
type Client interface {
	// UpdateInvoiceUID attaches the invoice UID to the payment identified by
	// paymentID. Repeating the call with the same value is a no-op at the
	// provider.
	UpdateInvoiceUID(ctx context.Context, paymentID, invoiceUID string) error
}
