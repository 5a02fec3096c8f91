package swarm

import gometrics "github.com/rcrowley/go-metrics"

// swarmMetrics mirrors the meter/timer wiring in the teacher's
// ethdb/database.go: a handful of named go-metrics instruments tracking
// dispatcher throughput and dial outcomes, read by whatever reporter the
// embedding process installs (spec.md is silent on a metrics surface; this
// is ambient operational plumbing, not a spec module).
type swarmMetrics struct {
	messagesDispatched gometrics.Meter
	dialSuccesses      gometrics.Meter
	dialFailures       gometrics.Meter
	deltaBroadcasts    gometrics.Meter
	blockSyncDuration  gometrics.Timer
}

func newMetrics() *swarmMetrics {
	return &swarmMetrics{
		messagesDispatched: gometrics.NewRegisteredMeter("swarm/dispatcher/messages", gometrics.DefaultRegistry),
		dialSuccesses:      gometrics.NewRegisteredMeter("swarm/registry/dial/success", gometrics.DefaultRegistry),
		dialFailures:       gometrics.NewRegisteredMeter("swarm/registry/dial/failure", gometrics.DefaultRegistry),
		deltaBroadcasts:    gometrics.NewRegisteredMeter("swarm/delta/broadcasts", gometrics.DefaultRegistry),
		blockSyncDuration:  gometrics.NewRegisteredTimer("swarm/blocksync/duration", gometrics.DefaultRegistry),
	}
}
