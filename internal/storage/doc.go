// Package storage is the durable Execution Record Store.
//
// It owns all persistent engine state: task definitions, task executions,
// workflow definitions, workflow executions and step executions. Two drivers
// are provided: an in-process memory store (tests, ephemeral deployments)
// and SQLite.
package storage
