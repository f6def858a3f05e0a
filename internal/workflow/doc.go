// Package workflow coordinates a whole run: it validates the request, builds
// the worklist, shares one fetch scheduler between every subject pipeline,
// applies the participant and concurrency limits, records progress in the
// run state database, and writes participants.tsv once all pipelines have
// returned.
//
// Subjects are independent. A failing subject is logged, recorded and
// reported in the joined error Run returns; its siblings keep going.
package workflow
