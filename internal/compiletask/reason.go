// Package compiletask implements the CompileTask (C7) per-request state
// machine: it drives one compile from SETUP through the local/remote race
// to FINISHED, LOCAL_FINISHED, or ABORTED, per spec.md §4.7.
package compiletask

import "strings"

// Reason enumerates the forced-fallback reason codes from spec.md §4.7
// step 1.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonParseFlags
	ReasonNoRemoteCompileSupported
	ReasonHTTPDisabled
	ReasonFailToGetCompilerInfo
	ReasonCompilerDisabled
	ReasonRequestedByUser
)

func (r Reason) String() string {
	switch r {
	case ReasonParseFlags:
		return "ParseFlags"
	case ReasonNoRemoteCompileSupported:
		return "NoRemoteCompileSupported"
	case ReasonHTTPDisabled:
		return "HTTPDisabled"
	case ReasonFailToGetCompilerInfo:
		return "FailToGetCompilerInfo"
	case ReasonCompilerDisabled:
		return "CompilerDisabled"
	case ReasonRequestedByUser:
		return "RequestedByUser"
	default:
		return "None"
	}
}

// unsupportedFlagPrefixes lists argument shapes the remote backend never
// supports, per spec.md §4.7 "conftest, -print-*, unsupported compiler
// flags with the strict policy on".
var unsupportedFlagPrefixes = []string{"-print-", "--print-"}

// classifyForcedFallback decides whether args force an immediate local run,
// per spec.md §4.7 step 1. strictPolicy mirrors the operator's
// "unsupported compiler flags with the strict policy on" switch.
func classifyForcedFallback(args []string, strictPolicy bool) (Reason, bool) {
	for _, a := range args {
		if strings.Contains(a, "conftest") {
			return ReasonNoRemoteCompileSupported, true
		}
		for _, prefix := range unsupportedFlagPrefixes {
			if strings.HasPrefix(a, prefix) {
				return ReasonNoRemoteCompileSupported, true
			}
		}
		if strictPolicy && strings.HasPrefix(a, "-Wunsupported-") {
			return ReasonParseFlags, true
		}
	}
	return ReasonNone, false
}
