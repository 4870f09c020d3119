package models

import (
	"database/sql/driver"
	"fmt"
)

// Status is shared by BuildStep, Build and BuildSet. Not every value is valid for every entity;
// see StepStatuses, BuildStatuses and BuildSetStatuses.
type Status string

const (
	StatusNoBuilds  Status = "no_builds"
	StatusNoConfig  Status = "no_config"
	StatusPending   Status = "pending"
	StatusPreparing Status = "preparing"
	StatusRunning   Status = "running"
	StatusFail      Status = "fail"
	StatusSuccess   Status = "success"
	StatusException Status = "exception"
	StatusWarning   Status = "warning"
	StatusCancelled Status = "cancelled"
)

// StepStatuses are the statuses a BuildStep may take.
var StepStatuses = []Status{StatusRunning, StatusFail, StatusSuccess, StatusException, StatusWarning, StatusCancelled}

// BuildStatuses are the statuses a Build may take.
var BuildStatuses = []Status{
	StatusPending, StatusPreparing, StatusRunning,
	StatusFail, StatusSuccess, StatusException, StatusWarning, StatusCancelled,
}

// BuildSetStatuses are the statuses a BuildSet may take.
var BuildSetStatuses = []Status{
	StatusNoBuilds, StatusNoConfig, StatusPending, StatusPreparing, StatusRunning,
	StatusFail, StatusSuccess, StatusException, StatusWarning, StatusCancelled,
}

// orderedStatuses gives the fixed priority order used to compute a BuildSet's aggregate status
// from its builds: the first status in this list found among the builds wins.
var orderedStatuses = []Status{
	StatusRunning, StatusCancelled, StatusException, StatusFail, StatusWarning, StatusSuccess, StatusPreparing, StatusPending,
}

// TerminalBuildStatuses are the statuses from which a Build or BuildStep never transitions further.
var TerminalBuildStatuses = map[Status]bool{
	StatusFail:      true,
	StatusSuccess:   true,
	StatusException: true,
	StatusWarning:   true,
	StatusCancelled: true,
}

func (s Status) IsTerminal() bool {
	return TerminalBuildStatuses[s]
}

func (s Status) String() string {
	return string(s)
}

func (s *Status) Scan(src interface{}) error {
	if src == nil {
		*s = ""
		return nil
	}
	t, ok := src.(string)
	if !ok {
		return fmt.Errorf("error expected string: %#v", src)
	}
	*s = Status(t)
	return nil
}

func (s Status) Value() (driver.Value, error) {
	return string(s), nil
}

// AggregateStatus returns the status of a BuildSet given the statuses of its builds, following the
// fixed priority order: running > cancelled > exception > fail > warning > success > preparing > pending.
// Returns StatusNoBuilds if buildStatuses is empty.
func AggregateStatus(buildStatuses []Status) Status {
	if len(buildStatuses) == 0 {
		return StatusNoBuilds
	}
	present := make(map[Status]bool, len(buildStatuses))
	for _, s := range buildStatuses {
		present[s] = true
	}
	for _, candidate := range orderedStatuses {
		if present[candidate] {
			return candidate
		}
	}
	// Every status vector produced by this system's builds is drawn from BuildStatuses, which is
	// a subset of orderedStatuses, so this is unreachable in practice.
	return buildStatuses[0]
}
