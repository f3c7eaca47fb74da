package internal

import (
	// Blank imports register the SQL drivers used by the watermill-sql and
	// jobqueue publishers.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)
