// Package storage defines the reading history records kept by the oracle and
// a JSON-lines backed repository for single-node deployments. SQL backends
// live in the mysql and sqlite subpackages.
package storage
