package config

import (
	"context"
	"errors"
)

// Store is the out-of-scope external collaborator this package talks to:
// whatever durable system actually owns tenant configuration (database,
// management API, file store). Only this interface crosses that boundary;
// nothing in this package assumes a particular backend.
type Store interface {
	FetchSecretary(ctx context.Context, tenantID, secretaryID string) (SecretaryConfig, error)
	FetchProviderCredentials(ctx context.Context, tenantID, providerType, name string) (ProviderCredentials, error)
	FetchTransferRules(ctx context.Context, tenantID, secretaryID string) ([]TransferRule, error)
}

// notFoundError is returned by a Store implementation when no record
// matches the lookup key.
type notFoundError struct{ what string }

func (e *notFoundError) Error() string { return "config: " + e.what + " not found" }

// NewNotFoundError builds the error a Store implementation returns for a
// missing record, so IsNotFound can classify it.
func NewNotFoundError(what string) error { return &notFoundError{what: what} }

// IsNotFound reports whether err (or any error it wraps) denotes a missing
// configuration record.
func IsNotFound(err error) bool {
	var nf *notFoundError
	return errors.As(err, &nf)
}
