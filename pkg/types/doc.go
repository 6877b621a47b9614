/*
Package types defines the core data structures shared across fednode.

This package contains the domain model that every other package operates
on: catalogs, jobs, analysis requests, uploaded files, and audit entries.
These types carry no behavior beyond simple predicates (see
JobStatus.Terminal); state transitions and validation live in the
packages that own them (pkg/store, pkg/policy, pkg/admission).

# Core Types

  - CatalogDescriptor: a named, resolvable data source with inferred
    column types and a record count.
  - Job: a unit of submitted analysis work, progressing through
    JobStatus from queued to a single terminal state.
  - AnalysisRequest: a request for a Job that requires approval before
    any Job row exists.
  - UploadedFile: a requester-supplied file distinct from catalog data.
  - AuditEntry: an immutable record of a privacy- or security-relevant
    action.

All types are JSON-serializable, since that is the wire and storage
encoding used throughout the node.
*/
package types
