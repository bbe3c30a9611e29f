// Package installer models the contract between the core and the RAUC IPC
// bridge (spec.md §1, §6): a bus-based proxy exposing an Install method and
// property-change/completed signals, specified only by its contract here.
//
// DESIGN NOTES in spec.md calls for replacing the original's registered
// callback pointers (install-progress, install-complete,
// confirmation-response) with a single sealed handler interface; that
// interface is Handler below. Because the bridge itself — and the optional
// human-in-the-loop confirmation bridge — are named out-of-scope external
// collaborators, no IPC transport library (e.g. github.com/godbus/dbus/v5)
// is wired in; only the Go-native contract and an in-memory stand-in used
// by tests and local manual runs.
package installer

import "context"

// Options carries the auth/TLS passthrough the core hands to the installer
// for both DownloadThenInstall (empty Options, plain file path) and
// StreamInstall (URL plus header and TLS options) — spec.md §4.4 step 12,
// §6 "Installer bridge".
type Options struct {
	HTTPHeader  string // e.g. "Authorization: TargetToken ..."
	TLSKey      string
	TLSCert     string
	TLSNoVerify bool
}

// Progress is a single progress event streamed back from the installer
// while an install is in flight.
type Progress struct {
	Percent int
	Message string
}

// Result is the terminal outcome of an install. Code 0 means success,
// matching the original bridge's "terminal result code (0 = success)".
type Result struct {
	Code    int
	Message string
}

func (r Result) Success() bool { return r.Code == 0 }

// Handler is the sealed set of callbacks the core supplies to the
// installer bridge, replacing the original's three free-standing callback
// pointers (spec.md DESIGN NOTES).
type Handler interface {
	// OnProgress is invoked for every progress event the installer streams
	// back; it is expected to forward a "proceeding" feedback post.
	OnProgress(Progress)
	// OnComplete is invoked exactly once, with the terminal result.
	OnComplete(Result)
	// ConfirmationRequired reports whether the optional human-in-the-loop
	// confirmation bridge (spec.md §1, out of scope) must be consulted
	// before install proceeds. The default handler always returns false —
	// "contract only", per SPEC_FULL.md supplemented feature 3.
	ConfirmationRequired() bool
}

// Bridge is the narrow interface the core depends on: start an install from
// either a local bundle path or a URL, and stream back progress/result via
// h. Install must not block past kicking off the install; all further
// communication happens through h.
type Bridge interface {
	Install(ctx context.Context, bundlePathOrURL string, opts Options, h Handler) error
}

// NoopHandler is a Handler that drops every event; useful for streaming
// paths where the caller only cares about the terminal error returned by
// Install itself (tests mostly provide a recording handler instead).
type NoopHandler struct{}

func (NoopHandler) OnProgress(Progress)          {}
func (NoopHandler) OnComplete(Result)             {}
func (NoopHandler) ConfirmationRequired() bool    { return false }
