// Package stores provides the persistence layer for the remediation agent.
// It includes a SQLite-based store with WAL mode, embedded schema migrations,
// transactional batches via Atomic, optimistic versioning for workflows and
// an append-only audit log.
package stores
