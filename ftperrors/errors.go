// Package ftperrors classifies the closed set of error kinds the engine
// can raise, following spec.md §7.
package ftperrors

import (
	"errors"
	"fmt"
)

// Kind is a closed enumeration of error kinds from spec.md §7.
type Kind int

// Error kinds.
const (
	KindUnknown Kind = iota
	KindTransientNetwork
	KindTLSFatal
	KindPermanentProtocol
	KindLocalFilesystem
	KindPolicyConflict
	KindDecompression
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindTransientNetwork:
		return "transient-network"
	case KindTLSFatal:
		return "tls-fatal"
	case KindPermanentProtocol:
		return "permanent-protocol"
	case KindLocalFilesystem:
		return "local-filesystem"
	case KindPolicyConflict:
		return "policy-conflict"
	case KindDecompression:
		return "decompression"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// ProblemID is a stable identifier for a queue item failure reason,
// spec.md §4.6.
type ProblemID string

// Closed enumeration of problem ids named in spec.md §4.6.
const (
	ProblemOk                         ProblemID = "Ok"
	ProblemLowMem                     ProblemID = "LowMem"
	ProblemUnableToCwd                ProblemID = "UnableToCwd"
	ProblemUnableToCwdOnlyPath        ProblemID = "UnableToCwdOnlyPath"
	ProblemUnableToPwd                ProblemID = "UnableToPwd"
	ProblemInvalidPathToLink          ProblemID = "InvalidPathToLink"
	ProblemInvalidPathToDir           ProblemID = "InvalidPathToDir"
	ProblemUploadCannotListTgtPath    ProblemID = "UploadCannotListTgtPath"
	ProblemUploadCannotCreateTgtDir   ProblemID = "UploadCannotCreateTgtDir"
	ProblemUploadTgtDirAlreadyExists  ProblemID = "UploadTgtDirAlreadyExists"
	ProblemUploadCrDirAutoRenFailed   ProblemID = "UploadCrDirAutoRenFailed"
	ProblemUnableToResolveLnk         ProblemID = "UnableToResolveLnk"
	ProblemFileIsHidden               ProblemID = "FileIsHidden"
	ProblemDirIsHidden                ProblemID = "DirIsHidden"
	ProblemUnknownAttrs               ProblemID = "UnknownAttrs"
	ProblemAsciiTrModeForBinFile      ProblemID = "AsciiTrModeForBinFile"
	ProblemTgtFileAlreadyExists       ProblemID = "TgtFileAlreadyExists"
	ProblemCannotCreateTgtFile        ProblemID = "CannotCreateTgtFile"
	ProblemTransferFailedOnCreated    ProblemID = "TransferFailedOnCreatedFile"
	ProblemTransferFailedOnResumed    ProblemID = "TransferFailedOnResumedFile"
	ProblemDecomprError               ProblemID = "DecomprError"
	ProblemDataConTimeout             ProblemID = "DataConTimeout"
	ProblemResumeTestFailed           ProblemID = "ResumeTestFailed"
	ProblemUploadUnableToStore        ProblemID = "UploadUnableToStore"
	ProblemUploadTestIfFinished       ProblemID = "UploadTestIfFinished"
	ProblemUploadFileAutorenFailed    ProblemID = "UploadFileAutorenFailed"
	ProblemReuseSSLSessionFailed      ProblemID = "ReuseSSLSessionFailed"
	ProblemCertificateChanged         ProblemID = "CertificateChanged"
)

// Error is the engine's unified error value: a cause wrapped with a Kind
// and an optional ProblemID, following the Result<Ok, ErrorKind>
// discipline from spec.md §9.
type Error struct {
	Kind      Kind
	ProblemID ProblemID
	Reply     string // raw server reply text, when applicable
	cause     error
}

// New wraps cause with a Kind.
func New(kind Kind, problem ProblemID, cause error) *Error {
	return &Error{Kind: kind, ProblemID: problem, cause: cause}
}

// WithReply attaches the raw server reply text (for permanent-protocol
// errors, spec.md §7).
func (e *Error) WithReply(reply string) *Error {
	e.Reply = reply
	return e
}

func (e *Error) Error() string {
	if e.Reply != "" {
		return fmt.Sprintf("%s (%s): %v: %s", e.Kind, e.ProblemID, e.cause, e.Reply)
	}
	return fmt.Sprintf("%s (%s): %v", e.Kind, e.ProblemID, e.cause)
}

// Unwrap exposes the cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// Temporary reports whether the error is a transient-network error that
// a caller may retry without reconnecting immediately.
func (e *Error) Temporary() bool { return e.Kind == KindTransientNetwork }

// Fatal reports whether the error forces an immediate reconnect with no
// backoff wait (TLS session/certificate failures, spec.md §5).
func (e *Error) Fatal() bool { return e.Kind == KindTLSFatal }

// NoRetry reports whether the error must never be retried (permanent
// protocol failures, local filesystem failures).
func (e *Error) NoRetry() bool {
	return e.Kind == KindPermanentProtocol || e.Kind == KindLocalFilesystem
}

// AsFTPError unwraps err into an *Error if possible.
func AsFTPError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// ShouldReconnectNow reports whether err forces an immediate reconnect
// with zero backoff wait, per spec.md §4.4/§8: true iff the triggering
// error is of KindTLSFatal or carries the TLS-certificate-changed or
// ReuseSSLSessionFailed problem id.
func ShouldReconnectNow(err error) bool {
	e, ok := AsFTPError(err)
	if !ok {
		return false
	}
	return e.Kind == KindTLSFatal ||
		e.ProblemID == ProblemReuseSSLSessionFailed ||
		e.ProblemID == ProblemCertificateChanged
}

// IsRetriable reports whether a worker may retry the operation that
// produced err (locally, or after reconnecting).
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	e, ok := AsFTPError(err)
	if !ok {
		// Unclassified errors are treated conservatively as retriable
		// network noise, matching rclone's shouldRetry default.
		return true
	}
	return !e.NoRetry()
}
