package model

import "iter"

// Keys of the counters returned by Stats.Stats, relative to the stats prefix
const (
	StatsTargetsTotal       = "_targets_total"
	StatsHostsScanned       = "_hosts_scanned"
	StatsHostsResponded     = "_hosts_responded"
	StatsHostsQueued        = "_hosts_queued"
	StatsExploitsAttempts   = "_exploits_attempts"
	StatsExploitsExploited  = "_exploits_exploited"
	StatsExploitsPropagated = "_exploits_propagated"
	StatsExploitsErrors     = "_exploits_errors"
)

type Stats interface {
	AddTargets(n int)
	IncHostsScanned()
	IncHostsResponded()
	IncHostsQueued()
	IncExploitAttempts()
	IncExploited()
	IncPropagated()
	IncExploitErrors()
	Stats() iter.Seq2[string, string]
}
