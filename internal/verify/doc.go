// Package verify holds the label verification core: the queued job and outcome
// types, the per-product verifier that races candidate images to the first
// match, and the dedup-before-write gate in front of the record store.
package verify
