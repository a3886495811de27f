// Package redis stores per-plugin settings in Redis hashes, one hash per
// plugin namespace.
package redis
