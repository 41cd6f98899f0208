// Package all registers every report store backend. Blank-import it from a
// main package to make the backends selectable by kind.
package all

import (
	_ "etl/internal/report/mssql"
	_ "etl/internal/report/postgres"
	_ "etl/internal/report/sqlite"
)
