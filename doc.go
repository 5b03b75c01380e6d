// Package warden compiles declaratively described assets into a processing
// graph and pushes security events through it.
//
// Warden itself does not specify a language for checks or transforms, relying
// instead on a ConditionCompiler and a TransformCompiler. The cel package
// provides checks written in CEL; the transform package provides the
// standard operations (set, rename, kvdb_get, parse, emit, ...).
//
// Typical use is as follows:
//
//  1. Store asset definitions and environment manifests in a Store
//  2. Create an Engine with the store and the compilers
//  3. Create a Vault and activate an environment
//  4. Call Vault.Ingest for each event, from as many goroutines as you like
//  5. Inspect the Result, or read the events from the Vault's sink
//
// # Assets
//
// An asset is a decoder, rule, filter or output. It has a name, a check, an
// ordered list of transforms and zero or more parents:
//
//	name: rule/failed-login/0
//	parents: [decoder/login/0]
//	check: event.status == "fail"
//	normalize:
//	  - set: {field: alert.level, value: 5}
//
// Only decoders may have no parents; they are the roots of the graph.
//
// # Building
//
// The Resolver fetches an environment's definitions and orders them so that
// parents come before their children, keeping manifest order wherever the
// parent references allow it. The Builder compiles the ordered definitions
// into an Environment: an arena of stages linked by index. A build either
// succeeds completely or returns an error naming the offending asset.
//
// # Traversal
//
// Environment.Ingest evaluates the root decoders in order until one matches
// and its transforms succeed; roots are mutually exclusive. Below a matching stage every child is
// evaluated, depth first, in manifest order. A failing transform ends its own
// branch, never the traversal, and the changes it made before failing are
// kept. Set Stop on an asset to make its match end the evaluation of its later
// siblings.
//
// # Concurrency
//
// An Environment is never modified after it is built. Any number of
// goroutines may call Ingest on the same Environment, each with its own
// Event. Vault.Activate publishes a new Environment atomically; Ingest calls
// already running finish against the Environment they started with.
package warden
