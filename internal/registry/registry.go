// Package registry resolves internal account identifiers to billing-provider
// credentials and public account metadata.
package registry

import (
	"strings"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"

	"github.com/finbridge/paygate/errs"
)

// DefaultAccountID names the account materialised from the legacy
// single-credential configuration.
const DefaultAccountID = "default"

// AccountDescriptor is the full configured record for one merchant account.
// Key authorizes provider API calls and must never leave the registry or the
// client cache.
type AccountDescriptor struct {
	Name           string `json:"name" validate:"required"`
	ID             string `json:"id" validate:"required"`
	Key            string `json:"key" validate:"required"`
	Logo           string `json:"logo,omitempty"`
	PublishableKey string `json:"publishableKey,omitempty"`
}

// AccountInfo is the read-facing projection of an account. It carries no
// credential field by construction.
type AccountInfo struct {
	Name           string `json:"name"`
	ID             string `json:"id"`
	Logo           string `json:"logo,omitempty"`
	PublishableKey string `json:"publishableKey"`
}

// Registry maps account identifiers to descriptors parsed from a single JSON
// source blob. The parse happens on every lookup; only derived clients are
// cached elsewhere.
type Registry struct {
	source             string
	legacyKey          string
	defaultPublishable string
	validate           *validator.Validate
}

// New constructs a registry over the JSON source blob. legacyKey, when
// non-empty, materialises a "default" account if the blob does not define one.
func New(source, legacyKey, defaultPublishable string) *Registry {
	return &Registry{
		source:             strings.TrimSpace(source),
		legacyKey:          strings.TrimSpace(legacyKey),
		defaultPublishable: strings.TrimSpace(defaultPublishable),
		validate:           validator.New(),
	}
}

func (r *Registry) load() (map[string]AccountDescriptor, error) {
	accounts := make(map[string]AccountDescriptor)

	if r.source != "" {
		if err := json.Unmarshal([]byte(r.source), &accounts); err != nil {
			return nil, errs.New("registry", errs.CodeConfiguration,
				errs.WithMessage("accounts configuration is not valid JSON"), errs.WithCause(err))
		}
		for id, desc := range accounts {
			if err := r.validate.Struct(desc); err != nil {
				return nil, errs.New("registry", errs.CodeConfiguration,
					errs.WithMessage("account "+id+" is missing required fields"), errs.WithCause(err))
			}
		}
	}

	if _, ok := accounts[DefaultAccountID]; !ok && r.legacyKey != "" {
		accounts[DefaultAccountID] = AccountDescriptor{
			Name:           "Default",
			ID:             DefaultAccountID,
			Key:            r.legacyKey,
			Logo:           "",
			PublishableKey: "",
		}
	}

	if len(accounts) == 0 {
		return nil, errs.New("registry", errs.CodeConfiguration,
			errs.WithMessage("no accounts configured"))
	}
	return accounts, nil
}

// Resolve returns the descriptor for id. The boolean reports presence so
// callers can distinguish an unknown account from a misconfigured source.
func (r *Registry) Resolve(id string) (AccountDescriptor, bool, error) {
	accounts, err := r.load()
	if err != nil {
		return AccountDescriptor{}, false, err
	}
	desc, ok := accounts[id]
	return desc, ok, nil
}

// Describe returns the public projection for id, substituting the
// process-wide default publishable key when the account carries none.
func (r *Registry) Describe(id string) (AccountInfo, bool, error) {
	desc, ok, err := r.Resolve(id)
	if err != nil || !ok {
		return AccountInfo{}, ok, err
	}
	publishable := desc.PublishableKey
	if publishable == "" {
		publishable = r.defaultPublishable
	}
	return AccountInfo{
		Name:           desc.Name,
		ID:             desc.ID,
		Logo:           desc.Logo,
		PublishableKey: publishable,
	}, true, nil
}

// AccountIDs lists the configured account identifiers.
func (r *Registry) AccountIDs() ([]string, error) {
	accounts, err := r.load()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(accounts))
	for id := range accounts {
		ids = append(ids, id)
	}
	return ids, nil
}
