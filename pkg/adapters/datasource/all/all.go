// Package all registers every bundled datasource adapter. Import it for its
// side effects.
package all

import (
	_ "github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource/bigquery"
	_ "github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource/clickhouse"
	_ "github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource/mongo"
	_ "github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource/mssql"
	_ "github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource/mysql"
	_ "github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource/oracle"
	_ "github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource/postgres"
	_ "github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource/snowflake"
	_ "github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource/sqlite"
)
