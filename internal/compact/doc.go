// Package compact reorganizes the files of a bucket in the background.
//
// A Picker inspects the bucket's levels and proposes a Plan, the
// Rewriter stream-merges the plan's inputs into sorted outputs at the
// target level, and the result is published as one compaction commit:
// ADDs for the outputs, DELETEs for every input. The table's content is
// unchanged by construction, because the rewrite runs through the same
// merge engine the read path uses.
//
// The Coordinator schedules this work on a bounded worker pool with
// per-bucket exclusion: a bucket has at most one task in flight, and
// triggers arriving while it runs coalesce into a single follow-up.
// Distinct buckets compact in parallel. A commit lost to a concurrent
// writer is not an error; the coordinator discards the outputs and
// re-picks against the now-current file set.
package compact
