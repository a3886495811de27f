// Package memory provides in-process settings and credential stores for
// development and tests.
package memory
