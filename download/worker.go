// Package download implements the download worker (spec.md §4.5): it runs
// outside the action mutex except for short critical sections, writes the
// artifact to disk with resume support, verifies its digest, reports
// progress, and on success triggers the installer bridge.
//
// Grounded on downloader/download.go's jogger goroutine shape (a single
// background goroutine per active download, reporting progress through a
// callback) and downloader/utils.go's jsoniter/http plumbing for the
// surrounding REST calls.
package download

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rauc/rauc-hawkbit-updater/action"
	"github.com/rauc/rauc-hawkbit-updater/artifact"
	"github.com/rauc/rauc-hawkbit-updater/config"
	"github.com/rauc/rauc-hawkbit-updater/feedback"
	"github.com/rauc/rauc-hawkbit-updater/hberr"
	"github.com/rauc/rauc-hawkbit-updater/installer"
	"github.com/rauc/rauc-hawkbit-updater/transport"
)

const retryDelay = 500 * time.Millisecond

// Worker runs the download-then-install state machine for a single
// Artifact, handed off by the deployment processor.
type Worker struct {
	Store     *action.Store
	Config    *config.Config
	Transport *transport.Transport
	Bridge    installer.Bridge
	Log       zerolog.Logger
	// Reboot is invoked after a successful install when
	// Config.PostUpdateReboot is set. Nil is a safe no-op default.
	Reboot func()
}

// Run executes spec.md §4.5's state machine to completion. It is intended
// to be invoked as `go worker.Run(ctx, art)` by the core, which owns the
// single download-worker slot and joins this goroutine before starting the
// next one.
func (w *Worker) Run(ctx context.Context, art artifact.Artifact) {
	w.Store.Lock()
	if w.Store.StateLocked() == action.StateCancelRequested {
		w.Store.AdvanceLocked(action.StateCanceled)
		w.Store.Unlock()
		_ = os.Remove(w.Config.BundleDownload)
		return
	}
	w.Store.AdvanceLocked(action.StateDownloading)
	w.Store.Unlock()

	result, err := w.downloadWithResume(ctx, art)
	if err != nil {
		if he, ok := err.(*hberr.Error); ok && he.Kind == hberr.KindCancelation {
			// downloadWithResume already moved the Action to canceled.
			return
		}
		w.fail(art, err)
		return
	}

	w.postFeedback(art.FeedbackURL, feedback.Progress(w.Store.ID(), fmt.Sprintf("Download complete. %.2f MB/s", result.AverageSpeed/1024/1024)))

	if !strings.EqualFold(result.Digest, art.SHA1) {
		w.fail(art, hberr.Checksum(art.SHA1, result.Digest))
		return
	}
	w.postFeedback(art.FeedbackURL, feedback.Progress(w.Store.ID(), "Checksum verified."))

	if !art.DoInstall {
		if art.MaintenanceOK() {
			w.postFeedback(art.FeedbackURL, feedback.Downloaded(w.Store.ID()))
			w.Store.Lock()
			w.Store.AdvanceLocked(action.StateSuccess)
			w.Store.Unlock()
			return
		}
		// Maintenance window not yet open: keep id, go back to idle so the
		// next poll's re-offer of the same id is recognized without a
		// redundant download (spec.md §4.4 step 7, §4.5 step 7).
		w.Store.Lock()
		w.Store.AdvanceLocked(action.StateNone)
		w.Store.Unlock()
		return
	}

	w.Store.Lock()
	if w.Store.StateLocked() == action.StateCancelRequested {
		w.Store.AdvanceLocked(action.StateCanceled)
		w.Store.Unlock()
		return
	}
	w.Store.AdvanceLocked(action.StateInstalling)
	w.Store.Unlock()

	w.install(ctx, art)
}

// downloadWithResume implements spec.md §4.5 step 3: query the on-disk
// size to compute resume_from, call DownloadBundle, and on a resumable
// error retry after checking for a cancel request, sleeping 500ms between
// attempts without holding the action mutex.
func (w *Worker) downloadWithResume(ctx context.Context, art artifact.Artifact) (transport.DownloadResult, error) {
	for {
		resumeFrom := int64(0)
		if fi, err := os.Stat(w.Config.BundleDownload); err == nil {
			resumeFrom = fi.Size()
		}

		result, err := w.Transport.DownloadBundle(ctx, art.DownloadURL, w.Config.BundleDownload, resumeFrom, true)
		if err == nil {
			return result, nil
		}

		if !hberr.IsResumable(err) || !w.Config.ResumeDownloads {
			return transport.DownloadResult{}, err
		}

		w.Store.Lock()
		if w.Store.StateLocked() == action.StateCancelRequested {
			w.Store.AdvanceLocked(action.StateCanceled)
			w.Store.Unlock()
			_ = os.Remove(w.Config.BundleDownload)
			return transport.DownloadResult{}, hberr.Cancelation("canceled during download retry")
		}
		w.Store.Unlock()

		w.Log.Warn().Err(err).Str("artifact", art.Name).Msg("resumable download error, retrying")
		time.Sleep(retryDelay)
	}
}

func (w *Worker) install(ctx context.Context, art artifact.Artifact) {
	w.installWith(ctx, w.Config.BundleDownload, installer.Options{}, art)
}

func (w *Worker) installWith(ctx context.Context, bundlePathOrURL string, opts installer.Options, art artifact.Artifact) {
	h := &bridgeHandler{worker: w, artifact: art}
	if err := w.Bridge.Install(ctx, bundlePathOrURL, opts, h); err != nil {
		w.fail(art, hberr.Transport(hberr.CodeOther, err.Error(), err))
	}
}

// RunStream implements the streaming-install strategy named in spec.md
// §4.4 step 12 and DESIGN NOTES "streaming install path": no file is
// downloaded, so the download and checksum stages are skipped. After one
// cancel check the worker advances straight from processing to installing
// and hands the raw download URL to the installer bridge with the auth
// header and TLS options attached.
func (w *Worker) RunStream(ctx context.Context, art artifact.Artifact, opts installer.Options) {
	w.Store.Lock()
	if w.Store.StateLocked() == action.StateCancelRequested {
		w.Store.AdvanceLocked(action.StateCanceled)
		w.Store.Unlock()
		return
	}
	w.Store.AdvanceLocked(action.StateInstalling)
	w.Store.Unlock()

	w.installWith(ctx, art.DownloadURL, opts, art)
}

// bridgeHandler adapts installer.Handler callbacks onto the action store
// and feedback protocol (spec.md §4.5 step 9).
type bridgeHandler struct {
	worker   *Worker
	artifact artifact.Artifact
}

func (h *bridgeHandler) OnProgress(p installer.Progress) {
	h.worker.postFeedback(h.artifact.FeedbackURL, feedback.Progress(h.worker.Store.ID(), p.Message))
}

func (h *bridgeHandler) OnComplete(r installer.Result) {
	w := h.worker
	w.Store.Lock()
	id := w.Store.IDLocked()
	if r.Success() {
		w.Store.AdvanceLocked(action.StateSuccess)
	} else {
		w.Store.AdvanceLocked(action.StateError)
	}
	w.Store.Unlock()

	if r.Success() {
		w.postFeedback(h.artifact.FeedbackURL, feedback.Success(id))
		if w.Config.PostUpdateReboot && w.Reboot != nil {
			w.Reboot()
		}
	} else {
		w.postFeedback(h.artifact.FeedbackURL, feedback.Failure(id, r.Message))
	}
}

func (h *bridgeHandler) ConfirmationRequired() bool { return false }

// fail implements the download worker's own failure cleanup: delete the
// partial bundle, move the Action to error, and report failure (spec.md
// §7: transport/protocol/checksum errors are "reported to server and
// closed").
func (w *Worker) fail(art artifact.Artifact, err error) {
	_ = os.Remove(w.Config.BundleDownload)

	w.Store.Lock()
	id := w.Store.IDLocked()
	w.Store.AdvanceLocked(action.StateError)
	w.Store.Unlock()

	w.Log.Warn().Err(err).Str("artifact", art.Name).Msg("download failed")
	w.postFeedback(art.FeedbackURL, feedback.Failure(id, err.Error()))
}

func (w *Worker) postFeedback(url string, env feedback.Envelope) {
	if url == "" {
		return
	}
	if err := w.Transport.RestRequestRetriable(context.Background(), "POST", url, env, nil); err != nil {
		w.Log.Warn().Err(err).Str("url", url).Msg("failed to post feedback")
	}
}
