package database

import (
	// Registers the "pgx" database/sql driver so PostgreSQL deployments
	// work without extra imports in main.
	_ "github.com/jackc/pgx/v5/stdlib"
)
