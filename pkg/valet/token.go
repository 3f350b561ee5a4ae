// Package valet issues valet keys: capability tokens that let a caller
// upload exactly one new object, under a path derived from its identity,
// for a few minutes.
//
// An [Issuer] asks a [Storage] collaborator for a short-lived delegation
// key, derives a fresh resource path, and has the storage sign a scope
// limited to that path and the create operation. The MinIO realization
// lives in pkg/clients/minio.
package valet

import (
	"context"
	"log/slog"
	"slices"
	"time"
)

// Operation is an operation a capability token permits.
type Operation string

// OperationCreate permits writing a new object.
const OperationCreate Operation = "create"

// Scope is what a signature covers: one path in one container, for a set
// of operations, inside a time window.
type Scope struct {
	Container  string
	Path       string
	Operations []Operation
	ValidFrom  time.Time
	ValidTo    time.Time
}

// Permits reports whether op is among the scope's operations.
func (s Scope) Permits(op Operation) bool {
	return slices.Contains(s.Operations, op)
}

// DelegationKey is a short-lived signing credential obtained from the
// storage provider for a single issuance. It is never persisted or reused.
type DelegationKey struct {
	AccessKeyID  string
	SecretKey    string
	SessionToken string
	ValidFrom    time.Time
	ValidTo      time.Time
	AccountName  string
}

// LogValue keeps the secret parts of the key out of log output.
func (k *DelegationKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("access_key_id", k.AccessKeyID),
		slog.String("account", k.AccountName),
		slog.Time("valid_from", k.ValidFrom),
		slog.Time("valid_to", k.ValidTo),
	)
}

// CapabilityToken is an issued valet key. Only the locator and signature
// go over the wire; the window and operations are informational.
type CapabilityToken struct {
	BlobURI             string      `json:"blobUri"`
	Signature           string      `json:"signature"`
	ValidFrom           time.Time   `json:"-"`
	ValidTo             time.Time   `json:"-"`
	PermittedOperations []Operation `json:"-"`
}

// Storage is the storage provider collaborator.
type Storage interface {
	// DelegationKey obtains a signing key valid no longer than scope's
	// window and usable for no more than scope allows.
	DelegationKey(ctx context.Context, scope Scope) (*DelegationKey, error)

	// Sign produces the absolute resource locator for scope and the
	// signature granting scope's operations on it with key.
	Sign(ctx context.Context, key *DelegationKey, scope Scope) (blobURI, signature string, err error)
}
