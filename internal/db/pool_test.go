package db

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pashagolub/pgxmock/v4"
)

var (
	_ Pool = (*pgxpool.Pool)(nil)
	_ Pool = (pgxmock.PgxPoolIface)(nil)
)
