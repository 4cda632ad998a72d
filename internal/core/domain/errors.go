package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAdapterUnreachable is returned when the platform adapter cannot list items.
	ErrAdapterUnreachable = errors.New("adapter unreachable")

	// ErrPersistenceUnavailable is returned when the catalog store does not answer at run start.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")

	// ErrInvalidOptions is returned when sync options fail validation.
	ErrInvalidOptions = errors.New("invalid sync options")

	// ErrStoreUnknown is returned when no adapter is configured for a store.
	ErrStoreUnknown = errors.New("store not configured")

	// ErrRunNotFound is returned when a run id is unknown.
	ErrRunNotFound = errors.New("sync run not found")

	// ErrRunActive is returned when a store already has a run in progress.
	ErrRunActive = errors.New("sync run already active for store")

	// ErrRunTerminal is returned when mutating a run that already finished.
	ErrRunTerminal = errors.New("sync run already finished")

	// ErrRunCancelled is the cancel cause attached to a run's claim context.
	ErrRunCancelled = errors.New("sync run cancelled")
)

// FaultKind tags an error produced at a collaborator boundary.
type FaultKind int

const (
	KindUnknown FaultKind = iota
	KindRateLimited
	KindUnreachable
	KindInvalid
)

func (k FaultKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindUnreachable:
		return "unreachable"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// FaultSource names the collaborator that produced a fault.
type FaultSource string

const (
	SourceAdapter  FaultSource = "adapter"
	SourceProvider FaultSource = "provider"
	SourceStore    FaultSource = "store"
	SourceBlob     FaultSource = "blob"
)

// Fault is the typed error returned by platform, AI and storage clients.
type Fault struct {
	Source  FaultSource
	Kind    FaultKind
	Status  int // HTTP status when the collaborator speaks HTTP, 0 otherwise
	Message string
	Err     error
}

func (f *Fault) Error() string {
	msg := f.Message
	if msg == "" && f.Err != nil {
		msg = f.Err.Error()
	}
	if f.Status != 0 {
		return fmt.Sprintf("%s %s (status %d): %s", f.Source, f.Kind, f.Status, msg)
	}
	return fmt.Sprintf("%s %s: %s", f.Source, f.Kind, msg)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// NewFault wraps err with a source and kind.
func NewFault(source FaultSource, kind FaultKind, err error) *Fault {
	return &Fault{Source: source, Kind: kind, Err: err}
}

// StatusFault builds a fault from an HTTP status code and response message.
func StatusFault(source FaultSource, status int, message string) *Fault {
	return &Fault{
		Source:  source,
		Kind:    KindForStatus(status),
		Status:  status,
		Message: message,
	}
}

// KindForStatus maps an HTTP status to a fault kind.
func KindForStatus(status int) FaultKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout, status >= 500:
		return KindUnreachable
	case status >= 400:
		return KindInvalid
	default:
		return KindUnknown
	}
}

// KindOf returns the kind of the first Fault in err's chain.
func KindOf(err error) FaultKind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindUnknown
}

// StatusOf returns the HTTP status of the first Fault in err's chain.
func StatusOf(err error) int {
	var f *Fault
	if errors.As(err, &f) {
		return f.Status
	}
	return 0
}
