// Package main hosts the std2bids CLI.
//
// The run command turns a UK Biobank bulk worklist into one versioned BIDS
// subject per participant. The remaining commands inspect what earlier runs
// left behind: persisted status, staging workspaces, logs and the external
// tools a run depends on.
package main
