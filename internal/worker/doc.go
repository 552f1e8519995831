// Package worker implements the offline cache lifecycle for one site.
//
// A Manager is a single worker version: it precaches the asset manifest into
// the bucket named by its Version Tag (install), deletes every other bucket
// (activate) and answers same-origin requests from that bucket with
// stale-while-revalidate semantics (intercept). A Registration drives the
// installing → installed → activating → active → redundant lifecycle across
// versions, abandons superseded installs and keeps exactly one version in
// control of the site.
package worker
