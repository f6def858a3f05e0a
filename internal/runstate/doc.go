// Package runstate persists per-subject progress and run history in a
// SQLite database under the destination directory. The versioned workspaces
// stay authoritative for content; this store only answers "what happened"
// for operators and the status command.
package runstate
