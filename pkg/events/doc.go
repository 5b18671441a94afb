/*
Package events carries Gantry's telemetry egress: one Observation per
dispatch, published fire-and-forget into a bounded queue and fanned out to
subscribers.

The contract with external sinks is deliberately loose. Publication never
blocks the data plane; when the queue overflows the oldest record is
dropped and counted (gantry_events_dropped_total). Subscribers with full
buffers are skipped rather than waited on.

	broker := events.NewBroker(1024)
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for obs := range sub {
			sink.Write(obs)
		}
	}()
*/
package events
