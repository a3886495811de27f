// Package builtin contains the plugins compiled into the host binary.
package builtin
