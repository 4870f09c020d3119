// Package trigger decides whether a pending build is allowed to start, implementing the
// three-valued: a build with no
// triggered_by rules is always ready; a build whose rules are satisfied by every referenced
// sibling is ready; a build whose rules can never be satisfied (because a referenced sibling
// already finished in a status the rule doesn't accept) is unsatisfiable and must be cancelled
// rather than left pending forever.
package trigger

import "github.com/toxicbuild/master/common/models"

// Result is the three-valued outcome of evaluating one build's trigger rules.
type Result int

const (
	// NotReady means the build must stay queued: it isn't pending any more, or at least one
	// referenced sibling hasn't reached a terminal status yet.
	NotReady Result = iota
	// Ready means every trigger rule is currently satisfied; the build may start now.
	Ready
	// Unsatisfiable means a referenced sibling reached a terminal status the rule doesn't accept,
	// so no future state of the buildset can ever satisfy this build's rules.
	Unsatisfiable
)

func (r Result) String() string {
	switch r {
	case Ready:
		return "ready"
	case Unsatisfiable:
		return "unsatisfiable"
	default:
		return "not_ready"
	}
}

// Evaluate decides whether build may start, given the current state of every other build in its
// buildset. buildSet.Builds must be freshly loaded (store/buildsets.ReadWithBuilds): a stale
// sibling status can wrongly report Ready or miss an Unsatisfiable transition.
func Evaluate(build *models.Build, buildSet *models.BuildSet) Result {
	if build.Status != models.StatusPending {
		return NotReady
	}
	if len(build.TriggeredBy) == 0 {
		return Ready
	}

	satisfied := 0
	for _, sibling := range buildSet.Builds {
		if sibling.ID == build.ID {
			continue
		}
		rule, ok := findRule(build.TriggeredBy, sibling.BuilderName)
		if !ok {
			// No rule references this builder: its outcome is irrelevant to build.
			continue
		}
		if !sibling.Status.IsTerminal() {
			// Outcome not decided yet; neither satisfies nor forecloses the rule.
			continue
		}
		if !rule.Accepts(sibling.Status) {
			return Unsatisfiable
		}
		satisfied++
	}

	if satisfied == len(build.TriggeredBy) {
		return Ready
	}
	return NotReady
}

func findRule(rules []models.BuildTrigger, builderName models.ResourceName) (models.BuildTrigger, bool) {
	for _, r := range rules {
		if r.BuilderName == builderName {
			return r, true
		}
	}
	return models.BuildTrigger{}, false
}
