package installer

import "context"

// LocalBridge is a process-local stand-in for the real RAUC IPC bridge,
// used by tests and by local manual runs of the agent without a D-Bus
// session available. It immediately reports a configurable terminal result
// and never blocks — unlike the real bridge, which streams asynchronous
// progress from an external installer process (spec.md §5, "installer
// worker... not owned by the core").
type LocalBridge struct {
	// Result is returned to every Handler via OnComplete. Defaults to a
	// successful result.
	Result Result
	// Progress, if non-empty, is streamed to the handler via OnProgress
	// before OnComplete fires.
	Progress []Progress

	// Calls records every Install invocation for test assertions.
	Calls []Call
}

// Call captures one Install invocation against a LocalBridge.
type Call struct {
	BundlePathOrURL string
	Options         Options
}

func (b *LocalBridge) Install(ctx context.Context, bundlePathOrURL string, opts Options, h Handler) error {
	b.Calls = append(b.Calls, Call{BundlePathOrURL: bundlePathOrURL, Options: opts})
	for _, p := range b.Progress {
		h.OnProgress(p)
	}
	result := b.Result
	if result == (Result{}) {
		result = Result{Code: 0, Message: "ok"}
	}
	h.OnComplete(result)
	return nil
}
