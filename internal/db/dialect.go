package db

// Dialects recognised in configured DSNs.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)
