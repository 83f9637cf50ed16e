// Package watchbus streams key change events of the primary's store to
// in-process watchers.
package watchbus
