// Package fault carries the error taxonomy shared across the runtime.
// Components wrap their failures in a *Fault so callers can branch on the
// category and collaborators can map stable codes to transport status codes
// without parsing messages.
package fault

import (
	"errors"
	"fmt"
)

// Category groups faults by how callers should react to them.
type Category string

const (
	// CategoryValidation covers rejected inputs; Path addresses the first
	// offending JSON location.
	CategoryValidation Category = "validation"
	// CategoryLifecycle covers illegal state transitions.
	CategoryLifecycle Category = "lifecycle"
	// CategoryCapacity covers saturation and budget ceilings.
	CategoryCapacity Category = "capacity"
	// CategoryInfrastructure covers failures of the runtime itself.
	CategoryInfrastructure Category = "infrastructure"
	// CategoryAgentRuntime covers failures inside hired agent code.
	CategoryAgentRuntime Category = "agent-runtime"
	// CategoryUpstream covers external provider failures.
	CategoryUpstream Category = "upstream"
)

// Code identifies one failure kind. Codes are stable API surface.
type Code string

const (
	// CodeManifestInvalid rejects a malformed or out-of-contract manifest
	CodeManifestInvalid Code = "ManifestInvalid"
	// CodeBundleRejected rejects an unreadable or oversized code bundle
	CodeBundleRejected Code = "BundleRejected"
	// CodeDuplicateVersion rejects re-admission of an existing (name, version)
	CodeDuplicateVersion Code = "DuplicateVersion"
	// CodeSchemaViolation rejects a payload that fails its JSON schema
	CodeSchemaViolation Code = "SchemaViolation"
	// CodeUnknownOperation rejects an operation the manifest never declared
	CodeUnknownOperation Code = "UnknownOperation"

	// CodeIllegalTransition rejects a state change outside the legal edge set
	CodeIllegalTransition Code = "IllegalTransition"
	// CodeHiringNotActive rejects dispatch against a non-active hiring
	CodeHiringNotActive Code = "HiringNotActive"
	// CodeHiringTerminated marks operations against a cancelled hiring
	CodeHiringTerminated Code = "HiringTerminated"
	// CodeAgentNotApproved rejects hiring an agent outside approved status
	CodeAgentNotApproved Code = "AgentNotApproved"
	// CodeConfigLocked rejects config updates while a deployment is live
	CodeConfigLocked Code = "ConfigLocked"

	// CodeHiringBusy fails fast when a hiring's concurrent execution cap is full
	CodeHiringBusy Code = "HiringBusy"
	// CodeRateLimited fails a gateway call that exceeds its token bucket
	CodeRateLimited Code = "RateLimited"
	// CodePerCallCapExceeded fails a call whose estimate exceeds the per-call cap
	CodePerCallCapExceeded Code = "PerCallCapExceeded"
	// CodePeriodCapExceeded fails a call that would exceed the window cap
	CodePeriodCapExceeded Code = "PeriodCapExceeded"
	// CodeProxyBusy fails a forward when the per-deployment request cap is full
	CodeProxyBusy Code = "ProxyBusy"

	// CodeBuildFailed marks an image build failure; message carries log tail
	CodeBuildFailed Code = "BuildFailed"
	// CodeStartFailed marks a container that never reached its first probe
	CodeStartFailed Code = "StartFailed"
	// CodeUnhealthyThresholdExceeded marks a deployment past its restart budget
	CodeUnhealthyThresholdExceeded Code = "UnhealthyThresholdExceeded"
	// CodeDeployTimeout tells the caller the deployment did not settle in time
	CodeDeployTimeout Code = "DeployTimeout"
	// CodeStoreUnavailable marks a failed store transaction
	CodeStoreUnavailable Code = "StoreUnavailable"
	// CodeDeploymentNotRunning fails a forward to a non-running deployment
	CodeDeploymentNotRunning Code = "DeploymentNotRunning"
	// CodeStale marks an execution abandoned by a dead or wedged worker
	CodeStale Code = "Stale"

	// CodeAgentError marks a failure produced by the agent's own code
	CodeAgentError Code = "AgentError"
	// CodeTimeout marks an execution that exceeded its wall-clock budget
	CodeTimeout Code = "Timeout"
	// CodeCancelled marks a cooperatively cancelled execution
	CodeCancelled Code = "Cancelled"

	// CodeProviderError marks an upstream provider failure
	CodeProviderError Code = "ProviderError"
	// CodeProviderTimeout marks an upstream call that exceeded providerTimeout
	CodeProviderTimeout Code = "ProviderTimeout"
	// CodeNoCredential marks a BYOK call with no stored credential
	CodeNoCredential Code = "NoCredential"
	// CodeUnknownProvider marks a call naming an unregistered provider
	CodeUnknownProvider Code = "UnknownProvider"
	// CodeUpstreamError marks a forward that failed between the proxy and
	// the deployment's internal endpoint
	CodeUpstreamError Code = "UpstreamError"
)

// Fault is the one error type that crosses component boundaries. Message is
// user-visible; Path is set for validation faults only and addresses the
// offending JSON location ("$.input.text").
type Fault struct {
	Category Category
	Code     Code
	Message  string
	Path     string
	cause    error
}

func (f *Fault) Error() string {
	if f.Path != "" {
		return fmt.Sprintf("%s/%s at %s: %s", f.Category, f.Code, f.Path, f.Message)
	}
	return fmt.Sprintf("%s/%s: %s", f.Category, f.Code, f.Message)
}

func (f *Fault) Unwrap() error {
	return f.cause
}

// New builds a fault with a formatted message.
func New(category Category, code Code, format string, args ...any) *Fault {
	return &Fault{Category: category, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause; the cause stays reachable through errors.Is/As.
func Wrap(err error, category Category, code Code, format string, args ...any) *Fault {
	return &Fault{Category: category, Code: code, Message: fmt.Sprintf(format, args...), cause: err}
}

// Validation builds a path-addressed validation fault.
func Validation(code Code, path, format string, args ...any) *Fault {
	return &Fault{Category: CategoryValidation, Code: code, Message: fmt.Sprintf(format, args...), Path: path}
}

// CodeOf extracts the fault code from err, or "" when err carries none.
func CodeOf(err error) Code {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}

// CategoryOf extracts the fault category from err, or "" when err carries none.
func CategoryOf(err error) Category {
	var f *Fault
	if errors.As(err, &f) {
		return f.Category
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsCategory reports whether err carries the given category.
func IsCategory(err error, category Category) bool {
	return CategoryOf(err) == category
}

// Retryable reports whether the failure may succeed on a later attempt
// without operator intervention.
func Retryable(err error) bool {
	switch CategoryOf(err) {
	case CategoryCapacity, CategoryUpstream:
		return true
	}
	return IsCode(err, CodeStoreUnavailable)
}

// KnownCategory reports whether c is one of the defined categories. Used when
// adopting fault envelopes from untrusted bodies.
func KnownCategory(c Category) bool {
	switch c {
	case CategoryValidation, CategoryLifecycle, CategoryCapacity,
		CategoryInfrastructure, CategoryAgentRuntime, CategoryUpstream:
		return true
	}
	return false
}
