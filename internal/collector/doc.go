// Package collector polls the active data-source plugins on background
// workers, extracts records under the current safety limits and publishes
// them as platform events.
package collector
