// Package config loads the JSON configuration of the host daemon and fills
// in defaults relative to the configuration file.
package config
