// Package storesync provides a bulk transfer engine for moving structured
// commerce content between two instances of a hosted commerce platform.
//
// A transfer run extracts resource kinds (products, collections, and so on)
// from a source instance through the platform's asynchronous bulk API,
// persists each kind as a line-delimited JSON file, and applies those files
// to a target instance through an idempotent natural-key protocol: records
// absent from the target are created, records whose content changed are
// updated, and everything else is skipped. Re-running an apply against an
// already-migrated target performs no writes.
//
// # Architecture
//
// The engine is organized around four concerns:
//
// 1. Job lifecycle (pkg/bulk): launching bulk extraction jobs, polling them
// to a terminal state with a growing interval, and streaming the completed
// result payload into records with parent linkage resolved.
//
// 2. Remote-call reliability (pkg/clients): every API call passes through a
// shared throttle combining bounded concurrency, minimum call spacing, and
// jittered exponential backoff on retryable failures.
//
// 3. Correlation (pkg/record, pkg/transfer): records are matched across
// instances by natural keys computed from stable business fields, never by
// remote-assigned IDs; content changes are detected with canonical
// fingerprints.
//
// 4. Coordination (internal/engine): per-instance transports and throttles,
// extraction files, and the apply protocol wired together per configured
// resource kind.
//
// # Quick Start
//
// Describe both instances and the resource kinds to move in storesync.yaml,
// referencing access tokens as ${ENV} values, then run:
//
//	storesync extract   # source instance -> one <kind>.jsonl file per kind
//	storesync apply     # <kind>.jsonl files -> target instance
//	storesync sync      # both passes in one invocation
//
// The command layer in cmd/storesync wires these flows through
// internal/engine; the pkg/ packages are the reusable building blocks.
package storesync
