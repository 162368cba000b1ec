/*
Package store persists scan reports behind a single pluggable interface.

Three backends implement Store: an in-memory map for tests and ephemeral
runs, a bbolt file for single-node deployments, and a SQL table (sqlite3 or
postgres through sqlx) when reports must outlive the host. A read-through
LRU cache can wrap any of them.

# Architecture

	┌──────────────────── REPORT PERSISTENCE ────────────────────┐
	│                                                              │
	│            ┌───────────────┐                                 │
	│  caller ──▶│ Cached (LRU)  │── hit (fresh) ──▶ return clone  │
	│            │  + per-entry  │                                 │
	│            │    TTL        │── miss/stale ──┐                │
	│            └───────────────┘                │                │
	│                   write-through             ▼                │
	│            ┌────────────┬────────────┬────────────┐          │
	│            │ MemoryStore│ BoltStore  │ SQLStore   │          │
	│            │ map+RWMutex│ one bucket │ one table  │          │
	│            │            │ JSON blobs │ JSON cols  │          │
	│            └────────────┴────────────┴────────────┘          │
	└──────────────────────────────────────────────────────────────┘

# Semantics

  - Save upserts; a missing id is generated, created_at is set once when
    zero, updated_at moves on every write.
  - Update requires an existing row and preserves the stored created_at.
  - Get and Delete distinguish missing reports with ErrNotFound.
  - List filters by scan_id, status, and type, orders newest-first, and
    pages with limit/offset. Count applies the same filters unpaged.
  - CleanupOld removes reports whose created_at predates the age cutoff;
    a non-positive age is a no-op.

# SQL Backend

One flat table; recommendations, sections, and metadata are JSON TEXT
columns. The DDL is exported as Schema for the migrate tool and uses only
syntax sqlite3 and postgres share (including the ON CONFLICT upsert).
Placeholders are rebound per driver, so the same code runs on both. The
pool is handed in by the caller and owned by the store from then on.

# Usage

	st, err := store.NewBolt("/var/lib/fabric/reports.db")
	if err != nil {
		return err
	}
	cached, err := store.WithCache(st, 100, 5*time.Minute)
	if err != nil {
		return err
	}
	defer cached.Close()

	err = cached.Save(ctx, &types.Report{ScanID: "scan1", Title: "Recon sweep"})

# Integration Points

  - pkg/fabric: backend selection from config, report task runner
  - pkg/api: report CRUD endpoints
  - cmd/fabric-migrate: schema creation and bolt-to-SQL copies
*/
package store
