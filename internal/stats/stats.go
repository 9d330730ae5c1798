package stats

import (
	"expvar"
	"iter"
	"maps"
	"slices"
)

// Stats holds expvar-backed counters of a propagation round and publishes
// them under a common key prefix. All counters are expvar.Map and are safe for
// concurrent updates. When the standard expvar HTTP handler is registered,
// these values are available at /debug/vars.
//
// - bas_agent_targets_total: addresses produced by the target compiler
// - bas_agent_hosts_scanned: targets the scanner finished
// - bas_agent_hosts_responded: targets which answered a ping or have an open port
// - bas_agent_hosts_queued: hosts placed on the exploit queue
// - bas_agent_exploits_attempts: (exploiter, host) attempts
// - bas_agent_exploits_exploited: attempts reporting exploitation success
// - bas_agent_exploits_propagated: attempts reporting propagation success
// - bas_agent_exploits_errors: attempts with an error message
type Stats struct {
	prefix   string
	root     *expvar.Map
	targets  *expvar.Map
	hosts    *expvar.Map
	exploits *expvar.Map
}

// New publishes new set of metrics. Registering the same metrics twice causes panic, so for tests, the prefix should be unique.
func New(prefix string) *Stats {
	root := expvar.NewMap(prefix)
	targets := new(expvar.Map).Init()
	hosts := new(expvar.Map).Init()
	exploits := new(expvar.Map).Init()

	targets.Add("total", 0)

	hosts.Add("scanned", 0)
	hosts.Add("responded", 0)
	hosts.Add("queued", 0)

	exploits.Add("attempts", 0)
	exploits.Add("exploited", 0)
	exploits.Add("propagated", 0)
	exploits.Add("errors", 0)

	root.Set("targets", targets)
	root.Set("hosts", hosts)
	root.Set("exploits", exploits)

	return &Stats{
		prefix:   prefix,
		root:     root,
		targets:  targets,
		hosts:    hosts,
		exploits: exploits,
	}
}

func (s *Stats) AddTargets(n int) {
	s.targets.Add("total", int64(n))
}
func (s *Stats) IncHostsScanned() {
	s.hosts.Add("scanned", 1)
}
func (s *Stats) IncHostsResponded() {
	s.hosts.Add("responded", 1)
}
func (s *Stats) IncHostsQueued() {
	s.hosts.Add("queued", 1)
}
func (s *Stats) IncExploitAttempts() {
	s.exploits.Add("attempts", 1)
}
func (s *Stats) IncExploited() {
	s.exploits.Add("exploited", 1)
}
func (s *Stats) IncPropagated() {
	s.exploits.Add("propagated", 1)
}
func (s *Stats) IncExploitErrors() {
	s.exploits.Add("errors", 1)
}

// Stats returns a name, value iterator across registered metrics. This uses expvar.Do under the hood, so is safe to be called concurrently.
// Stats are returned in an alphabetic order.
func (s *Stats) Stats() iter.Seq2[string, string] {
	stats := make(map[string]string, 8)
	collect := func(group string, m *expvar.Map) {
		m.Do(func(kv expvar.KeyValue) {
			stats[group+"_"+kv.Key] = kv.Value.String()
		})
	}
	collect("targets", s.targets)
	collect("hosts", s.hosts)
	collect("exploits", s.exploits)

	keys := slices.Sorted(maps.Keys(stats))
	return func(yield func(string, string) bool) {
		for _, key := range keys {
			if !yield(s.prefix+"_"+key, stats[key]) {
				return
			}
		}
	}
}
