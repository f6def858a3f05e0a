// Package pipeline implements the per-subject state machine:
//
//	pending -> incoming -> incoming-native -> bids -> main -> finalized
//
// Each edge is one stage that commits on its own workspace branch. A failure
// moves the subject to failed and stops its pipeline without touching other
// subjects.
package pipeline
