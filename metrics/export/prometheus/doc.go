// Package prometheus renders core metrics in the Prometheus text exposition
// format without depending on the Prometheus client library.
//
// The exporter is pull-based: every scrape reads a fresh snapshot from the
// engine, so no registration or lifecycle management is needed.
package prometheus
