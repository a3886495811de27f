// Package api exposes the plugin registry over a JSON HTTP interface: plugin
// listings, capability routing, safety limits, calibration and metrics.
package api
