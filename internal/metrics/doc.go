/*
Package metrics records remotefs activity on a private Prometheus registry.

A Collector is shared by the remote client and the FUSE bridge. The client
records one operation per HTTP call (list, stat, read, write, mkdir, delete,
rename, health) with its latency and payload size. The bridge records
attribute cache hits and misses and the number of tracked inodes. Errors are
counted by their remotefs error code.

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9100,
		Path:      "/metrics",
		Namespace: "remotefs",
	})
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}

# Endpoints

When Port is non-zero, Start serves:

	/metrics            Prometheus exposition
	/health             liveness of the metrics endpoint itself
	/debug/operations   JSON snapshot of GetMetrics

A Collector created with Enabled false accepts every call and records
nothing, so callers never need to nil-check it.
*/
package metrics
