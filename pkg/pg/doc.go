// Package pg wires PostgreSQL through a pgx connection pool.
//
// Connect parses Config, opens a pool and pings it, retrying with a linear
// backoff while the database comes up. Migrate applies goose migrations from an
// fs.FS, normally an embed.FS owned by the package that defines the schema.
// InTx runs a function in a transaction and commits or rolls back based on
// its result. Error helpers classify common PostgreSQL failures.
package pg
