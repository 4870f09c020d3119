package models

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Revision is one commit reported by the poller for a repository: the unit BuildManager.AddBuilds
// consumes to materialize a BuildSet and its Builds. It is never itself
// persisted as a row; PollRepo returns a batch of these and the manager folds each one into a
// buildset synchronously.
type Revision struct {
	RepoID RepoID `json:"repo_id"`

	Commit     string `json:"commit"`
	CommitDate Time   `json:"commit_date"`
	CommitBody string `json:"commit_body"`
	Branch     string `json:"branch"`
	Author     string `json:"author"`
	Title      string `json:"title"`

	// BuildersFallback names the branch whose builder configuration should be used if Branch has
	// none of its own (e.g. a newly pushed feature branch with no per-branch config yet); empty
	// means no fallback.
	BuildersFallback string `json:"builders_fallback"`

	// External identifies the revision in the polled external system (e.g. a GitHub commit), used
	// to deduplicate re-polled revisions and to tag builds created from it.
	External ExternalResourceID `json:"external,omitempty"`

	// BuildConfig is the raw contents of the repository's build configuration file (the name given
	// by BUILD_CONFIG_FILENAME) as it existed at this revision, fetched by the poller alongside the
	// commit metadata above. Empty means the file did not exist at this revision, which
	// BuildManager.AddBuilds treats as a no_config buildset rather than an error.
	BuildConfig []byte `json:"build_config,omitempty"`
}

func (m *Revision) Validate() error {
	var result *multierror.Error
	if !m.RepoID.Valid() {
		result = multierror.Append(result, errors.New("error revision repo id must be set"))
	}
	if m.Commit == "" {
		result = multierror.Append(result, errors.New("error revision commit must be set"))
	}
	if m.Branch == "" {
		result = multierror.Append(result, errors.New("error revision branch must be set"))
	}
	return result.ErrorOrNil()
}

// CreateBuilds returns true iff this revision should result in any builds at all: a revision with
// no commit body marker and no external id (e.g. a locally synthesized revision used only to
// advance a watched branch pointer) still creates a no_builds buildset, so the only revisions that
// skip buildset creation entirely are ones BuildManager itself decides not to poll - CreateBuilds
// is the hook for that decision.
func (m *Revision) CreateBuilds() bool {
	return true
}
