// Package workspace implements the branch transition protocol of a subject
// workspace.
//
// A workspace carries four branches: incoming holds raw downloads,
// incoming-native the unpacked files, bids the reorganized layout and main
// the published result. Exactly one branch is checked out at any time and
// main only changes through MergeIntoMain.
package workspace
