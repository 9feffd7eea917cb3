// Package otel bridges core metrics to OpenTelemetry observable
// instruments. Values are pulled from an engine snapshot on every
// collection cycle; the core itself never records through OTel.
package otel
