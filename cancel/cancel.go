// Package cancel implements the cancel processor (spec.md §4.6): it
// synchronously coordinates a server-issued cancellation request with the
// action store, waiting for the download worker to observe the cancel
// window when one is in flight.
package cancel

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/rauc/rauc-hawkbit-updater/action"
	"github.com/rauc/rauc-hawkbit-updater/ddi"
	"github.com/rauc/rauc-hawkbit-updater/feedback"
	"github.com/rauc/rauc-hawkbit-updater/hberr"
	"github.com/rauc/rauc-hawkbit-updater/transport"
)

// Processor implements spec.md §4.6. It is called without the action
// mutex held.
type Processor struct {
	Store     *action.Store
	Transport *transport.Transport
	Log       zerolog.Logger
}

// Process runs the cancel processor against the cancelAction href found in
// a controller-base response.
func (p *Processor) Process(ctx context.Context, href string) error {
	var body ddi.CancelActionResponse
	if err := p.Transport.RestRequest(ctx, "GET", href, nil, &body); err != nil {
		p.Log.Warn().Err(err).Str("href", href).Msg("failed to fetch cancel action")
		return err
	}
	stopID := body.CancelAction.StopID
	feedbackURL := href + "/feedback"

	p.Store.Lock()
	if stopID == p.Store.IDLocked() {
		state := p.Store.StateLocked()
		if state == action.StateProcessing || state == action.StateDownloading {
			p.Store.AdvanceLocked(action.StateCancelRequested)
			p.Store.WaitWhileLocked(action.StateCancelRequested)
		}
	}
	if stopID != p.Store.IDLocked() {
		// Stale cancel about an old action: force a clean baseline.
		p.Store.ClearIDLocked()
		p.Store.AdvanceLocked(action.StateNone)
	}
	finalState := p.Store.StateLocked()
	p.Store.Unlock()

	switch finalState {
	case action.StateNone, action.StateCanceled:
		p.postFeedback(feedbackURL, feedback.Canceled(stopID))
		return nil
	case action.StateSuccess:
		p.Log.Info().Str("stop_id", stopID).Msg("cancel arrived after install already succeeded")
		return nil
	case action.StateError:
		p.Log.Info().Str("stop_id", stopID).Msg("cancel arrived after install already failed")
		return nil
	case action.StateInstalling:
		p.postFeedback(feedbackURL, feedback.Rejected(stopID, "Installation already started, cannot cancel."))
		return hberr.Cancelation("installation already started, cancel rejected")
	default:
		// cancel-requested for the matching id (a cancel is already
		// pending): nothing to acknowledge, the Action is left as it is.
		return nil
	}
}

func (p *Processor) postFeedback(url string, env feedback.Envelope) {
	if err := p.Transport.RestRequestRetriable(context.Background(), "POST", url, env, nil); err != nil {
		p.Log.Warn().Err(err).Str("url", url).Msg("failed to post cancel feedback")
	}
}
