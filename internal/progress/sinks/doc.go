// Package sinks implements notification consumers for the progress hub:
// structured logs, Prometheus collectors, Redis PUBLISH and Google Cloud
// Pub/Sub. Each sink satisfies progress.Sink and is safe for repeated
// Consume/Close cycles.
package sinks
