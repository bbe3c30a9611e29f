// Package deployment implements the deployment processor (spec.md §4.4):
// it parses a deployment descriptor, validates the single-chunk/
// single-artifact constraint, checks free disk space, and either launches
// a download worker or hands a streaming install straight to the installer
// bridge.
package deployment

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/rauc/rauc-hawkbit-updater/action"
	"github.com/rauc/rauc-hawkbit-updater/artifact"
	"github.com/rauc/rauc-hawkbit-updater/config"
	"github.com/rauc/rauc-hawkbit-updater/ddi"
	"github.com/rauc/rauc-hawkbit-updater/feedback"
	"github.com/rauc/rauc-hawkbit-updater/hberr"
	"github.com/rauc/rauc-hawkbit-updater/transport"
)

// Downloads is implemented by the core: it owns the single download worker
// slot and is responsible for joining any previous worker before a new one
// starts (spec.md §4.4 step 14, §5 "no two deployment workers run
// concurrently").
type Downloads interface {
	Start(art artifact.Artifact)
}

// Streaming is implemented by the core: it hands the download URL directly
// to the installer bridge without writing a local file (spec.md §4.4 step
// 12, DESIGN NOTES "streaming install path").
type Streaming interface {
	StreamInstall(art artifact.Artifact)
}

// FreeSpaceFunc reports the free bytes available at the filesystem holding
// path. Grounded on fs/mountfs.go's (*MountpathInfo).getCapacity, which
// calls syscall.Statfs on the mountpath; the default implementation here
// does the same (see diskspace.go).
type FreeSpaceFunc func(path string) (uint64, error)

// Processor implements spec.md §4.4's algorithm.
type Processor struct {
	Store     *action.Store
	Config    *config.Config
	Transport *transport.Transport
	Log       zerolog.Logger
	FreeSpace FreeSpaceFunc
	Downloads Downloads
	Streaming Streaming
}

// Process runs the deployment processor against the deploymentBase href
// found in a controller-base response. The caller must not hold p.Store
// locked when calling Process: Process takes the action mutex itself for
// each step that reads or changes the Action, and releases it around the
// blocking GET.
func (p *Processor) Process(ctx context.Context, href string) error {
	p.Store.Lock()
	if err := p.Store.BeginProcessingLocked(); err != nil {
		p.Store.Unlock()
		// already-in-progress: silent, no server feedback (spec.md §4.4 step 1).
		return err
	}
	p.Store.Unlock()

	var body ddi.DeploymentBase
	if err := p.Transport.RestRequest(ctx, "GET", href, nil, &body); err != nil {
		p.fail("", err)
		return err
	}

	download := body.Deployment.Download
	update := body.Deployment.Update
	newID := body.ID

	if download == ddi.ActionSkip {
		// Clean baseline: no active deployment at all, server will re-offer
		// later. id is cleared here (unlike the maintenance-window-wait
		// path below) because there is nothing left to recognize on re-offer.
		p.Store.Lock()
		p.Store.ClearIDLocked()
		p.Store.AdvanceLocked(action.StateNone)
		p.Store.Unlock()
		return nil
	}

	doInstall := update != ddi.ActionSkip

	p.Store.Lock()
	activeID := p.Store.IDLocked()
	if !doInstall && newID == activeID {
		// Still waiting on a maintenance window: state reverts to none but
		// id is deliberately kept so the next poll's re-offer of the same
		// id is recognized here without a redundant re-download (spec.md
		// §4.4 step 7, §4.5 step 7).
		p.Store.AdvanceLocked(action.StateNone)
		p.Store.Unlock()
		return nil
	}
	if newID != activeID {
		p.purgeBundle()
	}
	p.Store.SetIDLocked(newID)
	p.Store.Unlock()

	// href already embeds the action id (.../deploymentBase/<id>?c=...), so
	// the feedback URL is just href+"/feedback" — matching cancel.go's
	// handling of the structurally identical cancelAction href.
	feedbackURL := href + "/feedback"

	if len(body.Deployment.Chunks) != 1 {
		err := hberr.Protocol("multi-chunks", fmt.Sprintf("expected exactly 1 chunk, got %d", len(body.Deployment.Chunks)))
		p.fail(feedbackURL, err)
		return err
	}
	chunk := body.Deployment.Chunks[0]
	if len(chunk.Artifacts) != 1 {
		err := hberr.Protocol("multi-artifacts", fmt.Sprintf("expected exactly 1 artifact, got %d", len(chunk.Artifacts)))
		p.fail(feedbackURL, err)
		return err
	}
	wire := chunk.Artifacts[0]

	downloadURL := ""
	if wire.Links.Download != nil {
		downloadURL = wire.Links.Download.Href
	} else if wire.Links.DownloadHTTP != nil {
		downloadURL = wire.Links.DownloadHTTP.Href
	}
	if downloadURL == "" {
		err := hberr.Protocol("missing-download-link", "artifact has neither download nor download-http link")
		p.fail(feedbackURL, err)
		return err
	}
	if wire.Hashes.SHA1 == "" {
		err := hberr.Protocol("missing-checksum", "artifact is missing hashes.sha1")
		p.fail(feedbackURL, err)
		return err
	}

	maintWindow := ""
	if body.Deployment.MaintenanceWindow != nil {
		maintWindow = *body.Deployment.MaintenanceWindow
	}

	art := artifact.Artifact{
		Name:              chunk.Name,
		Version:           chunk.Version,
		Size:              wire.Size,
		DownloadURL:       downloadURL,
		FeedbackURL:       feedbackURL,
		SHA1:              wire.Hashes.SHA1,
		MaintenanceWindow: maintWindow,
		DoInstall:         doInstall,
	}

	if p.Config.StreamBundle {
		p.Streaming.StreamInstall(art)
		return nil
	}

	avail, err := p.FreeSpace(p.Config.BundleDownload)
	if err != nil {
		p.fail(feedbackURL, err)
		return err
	}
	if avail <= uint64(art.Size) {
		err := hberr.Resource("disk-space", fmt.Sprintf("%d bytes available, need %d", avail, art.Size))
		p.fail(feedbackURL, err)
		return err
	}

	p.Downloads.Start(art)
	return nil
}

// fail implements the shared "deployment-failed cleanup" of spec.md §4.4:
// delete any partial file, return Action to none, and — when a feedback
// URL is known — report failure to the server.
func (p *Processor) fail(feedbackURL string, err error) {
	_ = os.Remove(p.Config.BundleDownload)

	p.Store.Lock()
	id := p.Store.IDLocked()
	p.Store.ClearIDLocked()
	p.Store.AdvanceLocked(action.StateNone)
	p.Store.Unlock()

	p.Log.Warn().Err(err).Str("feedback_url", feedbackURL).Msg("deployment processing failed")

	if feedbackURL == "" {
		return
	}
	env := feedback.Failure(id, err.Error())
	ctx := context.Background()
	if postErr := p.Transport.RestRequestRetriable(ctx, "POST", feedbackURL, env, nil); postErr != nil {
		p.Log.Warn().Err(postErr).Msg("failed to post failure feedback")
	}
}

func (p *Processor) purgeBundle() {
	if p.Config.BundleDownload == "" {
		return
	}
	if err := os.Remove(p.Config.BundleDownload); err != nil && !os.IsNotExist(err) {
		p.Log.Warn().Err(err).Msg("failed to purge previous bundle")
	}
}
