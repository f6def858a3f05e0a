// Package preflight provides readiness checks for the external tools and
// filesystem paths a run depends on.
//
// The run command calls RunAll before any subject is scheduled and aborts on
// the first report containing a failure. "std2bids deps" uses
// CheckSystemDeps to display tool availability.
package preflight
