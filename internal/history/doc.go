// Package history is the versioned storage behind each subject workspace and
// the shared collection. It is a thin layer over go-git that only exposes the
// operations the pipeline needs: branches, checkout, commit, merge, clean,
// reset and local remotes.
package history
