// Package errs holds the error categories shared by the harvesting pipeline.
// Component errors unwrap to one of these so callers can branch with errors.Is.
package errs

import "errors"

var (
	// ErrValidation marks bad seeds, handles or date windows. The offending
	// input is skipped and never retried.
	ErrValidation = errors.New("validation error")

	// ErrUserScriptCompile marks user supplied code that does not compile.
	// It aborts the run.
	ErrUserScriptCompile = errors.New("user script compile error")

	// ErrNormalization marks a malformed payload fragment.
	ErrNormalization = errors.New("normalization error")

	// ErrTransientFetch marks navigation, network or response status failures.
	ErrTransientFetch = errors.New("transient fetch error")

	// ErrLedgerPersistence marks a failed ledger checkpoint.
	ErrLedgerPersistence = errors.New("ledger persistence error")
)

// Retryable reports whether the job server should try the work item again.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrValidation) && !errors.Is(err, ErrUserScriptCompile)
}
