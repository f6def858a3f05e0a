// Package logs reads the run and subject log files written by std2bids.
//
// Tail prints the last lines of a file and, when following, keeps polling
// for appended lines until the context ends.
package logs
