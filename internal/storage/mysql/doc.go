// Package mysql persists reading history in MySQL using the embedded
// migrations under deploy/migrations.
package mysql
