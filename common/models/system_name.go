package models

// SystemName is the name of a system that has provided data stored in the database.
// This can include external SCMs (via the poller's revision feed) and our own system.
type SystemName string

func (s SystemName) String() string {
	return string(s)
}

// ToxicMasterSystem is the system name to use for data sourced from the master controller itself.
const ToxicMasterSystem SystemName = "toxicmaster"

// TestsSystem is the system name to use when data is being created for unit or integration tests.
const TestsSystem SystemName = "tests"
