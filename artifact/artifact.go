// Package artifact describes the single software bundle in a deployment
// (spec.md §3). An Artifact is created by the deployment processor and
// consumed by the download worker or the streaming install path; it is
// destroyed after either finishes.
package artifact

// Artifact is the descriptor for the bundle named by a deployment.
type Artifact struct {
	Name              string
	Version           string
	Size              int64
	DownloadURL       string // HTTPS preferred over the HTTP variant
	FeedbackURL       string
	SHA1              string // hex digest
	MaintenanceWindow string // "available" | "unavailable" | "" (none)
	DoInstall         bool   // deployment.update != "skip"
}

// MaintenanceOK reports whether the declared maintenance window permits
// installing now: either no window was declared, or it is "available"
// (spec.md §4.5 step 6).
func (a Artifact) MaintenanceOK() bool {
	return a.MaintenanceWindow == "" || a.MaintenanceWindow == "available"
}
