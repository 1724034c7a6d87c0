package sqlguard

import (
	libinjection "github.com/corazawaf/libinjection-go"
)

// InjectionCheckResult describes a SQL injection pattern detected in raw
// user input before any pipeline stage runs.
type InjectionCheckResult struct {
	IsSQLi      bool
	Fingerprint string
	Input       string
}

// ScreenInput runs libinjection over raw user input. Returns nil when the
// input is clean. A hit feeds the scope gate, which blocks the run before
// any SQL stage executes.
func ScreenInput(input string) *InjectionCheckResult {
	isSQLi, fingerprint := libinjection.IsSQLi(input)
	if !isSQLi {
		return nil
	}
	return &InjectionCheckResult{
		IsSQLi:      true,
		Fingerprint: string(fingerprint),
		Input:       input,
	}
}
