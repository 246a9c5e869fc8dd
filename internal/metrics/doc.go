/*
Package metrics provides metrics collection for the objmapper daemon.

Two complementary surfaces are maintained:

  - A Prometheus registry (Collector) with counters, gauges, and
    histograms for requests, FD passes, index lookups, backend capacity,
    migrations, the cache promoter, and errors. It is exported over HTTP
    at /metrics, either on its own port or embedded into the management
    API's mux via Handler.

  - A lightweight OperationTracker with locally-computed latency
    percentiles per operation class (get, put, delete, migrate), used by
    the HTTP status endpoint so operators get latency numbers without a
    Prometheus server in the loop.

Example usage:

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled: true,
		Port:    9090,
		Path:    "/metrics",
	})
	if err != nil {
		log.Fatal(err)
	}
	collector.Start(ctx)
	defer collector.Stop(ctx)

	start := time.Now()
	// ... handle a request ...
	collector.RecordRequest("get", "OK", time.Since(start))
*/
package metrics
