// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	memdb "github.com/hashicorp/go-memdb"
)

const (
	TableJobs     = "jobs"
	TableWorkers  = "workers"
	TableSessions = "sessions"
	tableIndex    = "index"

	indexID     = "id"
	indexStatus = "status"
	indexJob    = "job"
)

// IndexEntry keeps the highest write index applied to a table.
type IndexEntry struct {
	Key   string
	Value uint64
}

// stateStoreSchema assembles the full memdb schema.
func stateStoreSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableIndex:    indexTableSchema(),
			TableJobs:     jobTableSchema(),
			TableWorkers:  workerTableSchema(),
			TableSessions: sessionTableSchema(),
		},
	}
}

// indexTableSchema is used for tracking the most recent index per table.
func indexTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: tableIndex,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:         "id",
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field:     "Key",
					Lowercase: true,
				},
			},
		},
	}
}

// jobTableSchema returns the MemDB schema for the jobs table. Jobs are
// queried by ID and listed by status.
func jobTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableJobs,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
			indexStatus: {
				Name:         indexStatus,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "Status",
				},
			},
		},
	}
}

// workerTableSchema returns the MemDB schema for the workers table.
func workerTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableWorkers,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
			indexStatus: {
				Name:         indexStatus,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "Status",
				},
			},
		},
	}
}

// sessionTableSchema returns the MemDB schema for decomposition sessions.
// A session belongs to exactly one job.
func sessionTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableSessions,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
			indexJob: {
				Name:         indexJob,
				AllowMissing: true,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "JobID",
				},
			},
		},
	}
}
