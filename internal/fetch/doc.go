// Package fetch wraps the ukbfetch command behind a bounded concurrency gate.
//
// One Scheduler is shared by every subject of a run. It is the only point
// where subjects wait for each other.
package fetch
