package nic

import metrics "github.com/rcrowley/go-metrics"

type counters struct {
	txEnqueued metrics.Counter
	txRejected metrics.Counter
	txComplete metrics.Counter

	rxPackets metrics.Counter
	rxBytes   metrics.Counter
	rxStarved metrics.Counter
	rxErrors  metrics.Counter

	recoveries metrics.Counter
	dropped    metrics.Counter

	txOccupied metrics.Gauge
	rxOccupied metrics.Gauge
}

func newCounters(name string, r metrics.Registry) *counters {
	if r == nil {
		return &counters{
			txEnqueued: metrics.NilCounter{},
			txRejected: metrics.NilCounter{},
			txComplete: metrics.NilCounter{},
			rxPackets:  metrics.NilCounter{},
			rxBytes:    metrics.NilCounter{},
			rxStarved:  metrics.NilCounter{},
			rxErrors:   metrics.NilCounter{},
			recoveries: metrics.NilCounter{},
			dropped:    metrics.NilCounter{},
			txOccupied: metrics.NilGauge{},
			rxOccupied: metrics.NilGauge{},
		}
	}

	c := func(n string) metrics.Counter { return metrics.GetOrRegisterCounter(name+"."+n, r) }
	g := func(n string) metrics.Gauge { return metrics.GetOrRegisterGauge(name+"."+n, r) }

	return &counters{
		txEnqueued: c("tx.enqueued"),
		txRejected: c("tx.rejected"),
		txComplete: c("tx.completed"),
		rxPackets:  c("rx.packets"),
		rxBytes:    c("rx.bytes"),
		rxStarved:  c("rx.refill.starved"),
		rxErrors:   c("rx.errors"),
		recoveries: c("recoveries"),
		dropped:    c("recovery.dropped"),
		txOccupied: g("tx.occupied"),
		rxOccupied: g("rx.occupied"),
	}
}
