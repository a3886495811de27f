// Package settingsync feeds safety limits from the backend settings
// channel into the host's safety cell. It is the only writer of the cell.
package settingsync
