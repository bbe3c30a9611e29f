// Package poll implements the polling loop (spec.md §4.7): a one-second
// tick scheduler that, every N ticks, fetches the controller base resource
// and routes its hyperlinks to the identify/deployment/cancel handlers, and
// honours the server-advertised sleep interval.
package poll

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rauc/rauc-hawkbit-updater/action"
	"github.com/rauc/rauc-hawkbit-updater/cancel"
	"github.com/rauc/rauc-hawkbit-updater/config"
	"github.com/rauc/rauc-hawkbit-updater/ddi"
	"github.com/rauc/rauc-hawkbit-updater/deployment"
	"github.com/rauc/rauc-hawkbit-updater/feedback"
	"github.com/rauc/rauc-hawkbit-updater/hberr"
	"github.com/rauc/rauc-hawkbit-updater/transport"
)

// tickInterval is the cooperative scheduler's base tick, per spec.md §4.7.
const tickInterval = time.Second

// cancelWindowInterval is the short poll interval used while the action is
// mid-flight, so the agent stays responsive to a cancel (spec.md §4.7).
const cancelWindowInterval = 5

// Notifier is the thin watchdog/readiness side-call made once per tick
// (SPEC_FULL.md supplemented feature 2). Service-manager integration
// itself is an out-of-scope external collaborator; the default Notifier is
// a no-op.
type Notifier interface {
	Notify()
}

// NoopNotifier implements Notifier with no side effects.
type NoopNotifier struct{}

func (NoopNotifier) Notify() {}

// Deps wires the loop to the rest of the core.
type Deps struct {
	Store      *action.Store
	Transport  *transport.Transport
	Config     *config.Config
	Log        zerolog.Logger
	Deployment *deployment.Processor
	Cancel     *cancel.Processor
	Notifier   Notifier
	// JoinDownload, when non-nil, blocks until any in-flight download
	// worker has finished and reports whether it finished successfully.
	// Used only by RunOnce (spec.md §4.7 "one-shot mode").
	JoinDownload func() bool
}

// Loop is the cooperative 1-second tick scheduler.
type Loop struct {
	deps        Deps
	lastRunSec  int
	intervalSec int
}

// New builds a Loop that will perform its first poll on the very next tick.
func New(deps Deps) *Loop {
	if deps.Notifier == nil {
		deps.Notifier = NoopNotifier{}
	}
	return &Loop{deps: deps, intervalSec: 0}
}

// Run drives the loop until ctx is canceled.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.deps.Notifier.Notify()
			l.lastRunSec++
			if l.lastRunSec < l.intervalSec {
				continue
			}
			l.lastRunSec = 0
			l.pollOnce(ctx)
		}
	}
}

// RunOnce performs exactly one poll pass immediately, then — in one-shot
// mode — joins any download worker the pass may have started, and reports
// overall success per spec.md §4.7: "terminate with success iff the poll
// succeeded (and in one-shot, iff the join returned success)."
func (l *Loop) RunOnce(ctx context.Context) (bool, error) {
	l.deps.Notifier.Notify()
	if err := l.pollOnce(ctx); err != nil {
		return false, err
	}
	if l.deps.JoinDownload != nil {
		if ok := l.deps.JoinDownload(); !ok {
			return false, nil
		}
	}
	return true, nil
}

// pollOnce implements spec.md §4.7's per-tick body.
func (l *Loop) pollOnce(ctx context.Context) error {
	url := l.deps.Config.BaseURL() + "/" + l.deps.Config.TargetName +
		"/controller/v1/" + l.deps.Config.ControllerID

	var base ddi.ControllerBase
	err := l.deps.Transport.RestRequest(ctx, http.MethodGet, url, nil, &base)
	if err != nil {
		l.handlePollError(err)
		return err
	}

	if base.Links.ConfigData != nil {
		l.identify(ctx, base.Links.ConfigData.Href)
	}
	if base.Links.DeploymentBase != nil {
		if derr := l.deps.Deployment.Process(ctx, base.Links.DeploymentBase.Href); derr != nil {
			l.deps.Log.Debug().Err(derr).Msg("deployment processing ended with error")
		}
	}
	if base.Links.CancelAction != nil {
		if cerr := l.deps.Cancel.Process(ctx, base.Links.CancelAction.Href); cerr != nil {
			l.deps.Log.Debug().Err(cerr).Msg("cancel processing ended with error")
		}
	}

	l.intervalSec = l.nextInterval(base.Config.Polling.Sleep)
	return nil
}

func (l *Loop) handlePollError(err error) {
	if he, ok := err.(*hberr.Error); ok && he.Kind == hberr.KindHTTP && he.Code == http.StatusUnauthorized {
		kind := "target"
		if l.deps.Config.GatewayToken != "" {
			kind = "gateway"
		}
		l.deps.Log.Warn().Str("token_kind", kind).Msg("server rejected authorization token")
	} else {
		l.deps.Log.Warn().Err(err).Msg("poll failed")
	}
	l.intervalSec = l.deps.Config.PollingRetryWait
}

// identify implements the configData PUT of spec.md §4.7/§6.
func (l *Loop) identify(ctx context.Context, href string) {
	env := feedback.Identify(l.deps.Config.Device)
	if err := l.deps.Transport.RestRequestRetriable(ctx, http.MethodPut, href, env, nil); err != nil {
		l.deps.Log.Warn().Err(err).Msg("failed to post device identification")
	}
}

// nextInterval derives interval_sec from config.polling.sleep
// ("HH:MM:SS") when the action is idle, or returns the short
// cancelWindowInterval while a deployment is in flight, so the agent stays
// responsive to a cancel (spec.md §4.7).
func (l *Loop) nextInterval(sleep string) int {
	switch l.deps.Store.State() {
	case action.StateProcessing, action.StateDownloading, action.StateCancelRequested:
		return cancelWindowInterval
	}
	secs, err := parseHHMMSS(sleep)
	if err != nil {
		return l.deps.Config.RetryWait
	}
	return secs
}

func parseHHMMSS(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, hberr.Parse("polling.sleep", "expected HH:MM:SS")
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, err
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, err
	}
	s2, err := strconv.Atoi(parts[2])
	if err != nil {
		return 0, err
	}
	return h*3600 + m*60 + s2, nil
}
