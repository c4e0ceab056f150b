// Package metrics exposes Prometheus collectors for Direct Line traffic and
// session lifecycle.
//
// Collectors are registered on a private registry returned by Registry, so
// several Metrics values can coexist in one process (and in tests):
//
//	m := metrics.New()
//	client, _ := directline.New(secret, directline.WithRecorder(m))
//	http.Handle("/metrics", m.Handler())
//
// Metrics satisfies directline.Recorder and the session package's observer.
package metrics
