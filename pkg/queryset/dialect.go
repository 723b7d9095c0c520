package queryset

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/dbtypes"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/filters"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
)

// Dialect holds the SQL rendering rules of one engine.
type Dialect struct {
	Engine models.Engine

	quote       func(name string) string
	placeholder func(n int) string
	// ilike is set when the engine has a case-insensitive LIKE operator.
	ilike bool
	// escape is the LIKE escape character; escapeClause adds ESCAPE '<c>'.
	escape       rune
	escapeClause bool
	// likeSpecial holds pattern characters beyond % and _.
	likeSpecial []rune
	textCast     func(col string, t dbtypes.CanonicalType) string
	paginate     func(limit, offset int) string
	dateTrunc    func(col string, b Bucket, t dbtypes.CanonicalType) string
	// estimate renders the catalog row estimate query; nil means none.
	estimate  func(t *models.Table, bind func(any) string) string
	coveredBy func(col, geom string) string
	isEmpty   func(col string) string
	// Transactional engines run every query inside a transaction.
	Transactional bool
}

// Quote quotes an identifier.
func (d *Dialect) Quote(name string) string { return d.quote(name) }

// Placeholder returns the bind marker for the n-th (1-based) argument.
func (d *Dialect) Placeholder(n int) string { return d.placeholder(n) }

func (d *Dialect) tableRef(t *models.Table) string {
	if t.Schema == "" {
		return d.quote(t.Name)
	}
	return d.quote(t.Schema) + "." + d.quote(t.Name)
}

func quoteWith(open, closing string) func(string) string {
	return func(name string) string {
		return open + strings.ReplaceAll(name, closing, closing+closing) + closing
	}
}

func questionMark(int) string { return "?" }

func limitOffset(maxLimit string) func(limit, offset int) string {
	return func(limit, offset int) string {
		switch {
		case limit > 0 && offset > 0:
			return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
		case limit > 0:
			return fmt.Sprintf(" LIMIT %d", limit)
		case offset > 0 && maxLimit != "":
			return fmt.Sprintf(" LIMIT %s OFFSET %d", maxLimit, offset)
		case offset > 0:
			return fmt.Sprintf(" OFFSET %d", offset)
		}
		return ""
	}
}

func offsetFetch(limit, offset int) string {
	if limit <= 0 && offset <= 0 {
		return ""
	}
	out := fmt.Sprintf(" OFFSET %d ROWS", offset)
	if limit > 0 {
		out += fmt.Sprintf(" FETCH NEXT %d ROWS ONLY", limit)
	}
	return out
}

func castAs(target string) func(string, dbtypes.CanonicalType) string {
	return func(col string, _ dbtypes.CanonicalType) string {
		return "CAST(" + col + " AS " + target + ")"
	}
}

func emptyString(col string) string { return col + " = ''" }

var postgresDialect = &Dialect{
	Engine:       models.EnginePostgres,
	quote:        quoteWith(`"`, `"`),
	placeholder:  func(n int) string { return "$" + strconv.Itoa(n) },
	ilike:        true,
	escape:       filters.PatternEscape,
	escapeClause: true,
	textCast:     func(col string, _ dbtypes.CanonicalType) string { return col + "::text" },
	paginate:     limitOffset(""),
	dateTrunc: func(col string, b Bucket, _ dbtypes.CanonicalType) string {
		return "date_trunc('" + string(b) + "', " + col + ")"
	},
	estimate: func(t *models.Table, bind func(any) string) string {
		name := t.Name
		if t.Schema != "" {
			name = t.Schema + "." + t.Name
		}
		return "SELECT reltuples::bigint FROM pg_class WHERE oid = to_regclass(" + bind(quoteDotted(name)) + ")"
	},
	coveredBy:     func(col, geom string) string { return "ST_CoveredBy(" + col + ", ST_GeomFromText(" + geom + "))" },
	isEmpty:       emptyString,
	Transactional: true,
}

// quoteDotted quotes each part of schema.table for to_regclass.
func quoteDotted(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = quoteWith(`"`, `"`)(p)
	}
	return strings.Join(parts, ".")
}

var cockroachDialect = func() *Dialect {
	d := *postgresDialect
	d.Engine = models.EngineCockroach
	d.estimate = func(t *models.Table, bind func(any) string) string {
		return "SELECT estimated_row_count FROM crdb_internal.table_row_statistics WHERE table_name = " + bind(t.Name)
	}
	return &d
}()

var mysqlDialect = &Dialect{
	Engine:       models.EngineMySQL,
	quote:        quoteWith("`", "`"),
	placeholder:  questionMark,
	escape:       filters.PatternEscape,
	escapeClause: true,
	textCast:     castAs("CHAR"),
	paginate:     limitOffset("18446744073709551615"),
	dateTrunc: func(col string, b Bucket, _ dbtypes.CanonicalType) string {
		switch b {
		case BucketWeek:
			return "DATE_SUB(DATE(" + col + "), INTERVAL WEEKDAY(" + col + ") DAY)"
		case BucketMonth:
			return "DATE_FORMAT(" + col + ", '%Y-%m-01')"
		case BucketQuarter:
			return "MAKEDATE(YEAR(" + col + "), 1) + INTERVAL QUARTER(" + col + ") - 1 QUARTER"
		case BucketYear:
			return "MAKEDATE(YEAR(" + col + "), 1)"
		}
		return "DATE(" + col + ")"
	},
	estimate: func(t *models.Table, bind func(any) string) string {
		if t.Schema != "" {
			return "SELECT TABLE_ROWS FROM information_schema.TABLES WHERE TABLE_SCHEMA = " + bind(t.Schema) + " AND TABLE_NAME = " + bind(t.Name)
		}
		return "SELECT TABLE_ROWS FROM information_schema.TABLES WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = " + bind(t.Name)
	},
	coveredBy:     func(col, geom string) string { return "MBRCoveredBy(" + col + ", ST_GeomFromText(" + geom + "))" },
	isEmpty:       emptyString,
	Transactional: true,
}

var mssqlDialect = &Dialect{
	Engine:       models.EngineMSSQL,
	quote:        quoteWith("[", "]"),
	placeholder:  func(n int) string { return "@p" + strconv.Itoa(n) },
	escape:       filters.PatternEscape,
	escapeClause: true,
	likeSpecial:  []rune{'['},
	textCast:     castAs("NVARCHAR(MAX)"),
	paginate:     offsetFetch,
	dateTrunc: func(col string, b Bucket, _ dbtypes.CanonicalType) string {
		switch b {
		case BucketWeek:
			return "DATEADD(day, -((DATEPART(weekday, " + col + ") + @@DATEFIRST - 2) % 7), CAST(" + col + " AS DATE))"
		case BucketMonth:
			return "DATEFROMPARTS(YEAR(" + col + "), MONTH(" + col + "), 1)"
		case BucketQuarter:
			return "DATEFROMPARTS(YEAR(" + col + "), (DATEPART(quarter, " + col + ") - 1) * 3 + 1, 1)"
		case BucketYear:
			return "DATEFROMPARTS(YEAR(" + col + "), 1, 1)"
		}
		return "CAST(" + col + " AS DATE)"
	},
	estimate: func(t *models.Table, bind func(any) string) string {
		schema := t.Schema
		if schema == "" {
			schema = "dbo"
		}
		return "SELECT SUM(p.rows) FROM sys.partitions p " +
			"JOIN sys.tables t ON p.object_id = t.object_id " +
			"JOIN sys.schemas s ON t.schema_id = s.schema_id " +
			"WHERE t.name = " + bind(t.Name) + " AND s.name = " + bind(schema) + " AND p.index_id IN (0, 1)"
	},
	coveredBy:     func(col, geom string) string { return col + ".STWithin(geometry::STGeomFromText(" + geom + ", 0)) = 1" },
	isEmpty:       emptyString,
	Transactional: true,
}

var oracleDialect = &Dialect{
	Engine:       models.EngineOracle,
	quote:        quoteWith(`"`, `"`),
	placeholder:  func(n int) string { return ":" + strconv.Itoa(n) },
	escape:       filters.PatternEscape,
	escapeClause: true,
	textCast:     func(col string, _ dbtypes.CanonicalType) string { return "TO_CHAR(" + col + ")" },
	paginate:     offsetFetch,
	dateTrunc: func(col string, b Bucket, _ dbtypes.CanonicalType) string {
		format := map[Bucket]string{
			BucketDay:     "DD",
			BucketWeek:    "IW",
			BucketMonth:   "MM",
			BucketQuarter: "Q",
			BucketYear:    "YYYY",
		}[b]
		return "TRUNC(" + col + ", '" + format + "')"
	},
	estimate: func(t *models.Table, bind func(any) string) string {
		if t.Schema != "" {
			return "SELECT NUM_ROWS FROM ALL_TABLES WHERE OWNER = " + bind(t.Schema) + " AND TABLE_NAME = " + bind(t.Name)
		}
		return "SELECT NUM_ROWS FROM USER_TABLES WHERE TABLE_NAME = " + bind(t.Name)
	},
	coveredBy: func(col, geom string) string {
		return "SDO_COVEREDBY(" + col + ", SDO_GEOMETRY(" + geom + ", 4326)) = 'TRUE'"
	},
	// Oracle stores empty strings as NULL.
	isEmpty:       func(col string) string { return col + " IS NULL" },
	Transactional: true,
}

var sqliteDialect = &Dialect{
	Engine:       models.EngineSQLite,
	quote:        quoteWith(`"`, `"`),
	placeholder:  questionMark,
	escape:       filters.PatternEscape,
	escapeClause: true,
	textCast:     castAs("TEXT"),
	paginate:     limitOffset("-1"),
	dateTrunc: func(col string, b Bucket, _ dbtypes.CanonicalType) string {
		switch b {
		case BucketWeek:
			return "date(" + col + ", 'weekday 0', '-6 days')"
		case BucketMonth:
			return "strftime('%Y-%m-01', " + col + ")"
		case BucketQuarter:
			return "printf('%s-%02d-01', strftime('%Y', " + col + "), ((CAST(strftime('%m', " + col + ") AS INTEGER) - 1) / 3) * 3 + 1)"
		case BucketYear:
			return "strftime('%Y-01-01', " + col + ")"
		}
		return "date(" + col + ")"
	},
	isEmpty:       emptyString,
	Transactional: true,
}

var snowflakeDialect = &Dialect{
	Engine:       models.EngineSnowflake,
	quote:        quoteWith(`"`, `"`),
	placeholder:  questionMark,
	ilike:        true,
	escape:       filters.PatternEscape,
	escapeClause: true,
	textCast:     func(col string, _ dbtypes.CanonicalType) string { return "TO_VARCHAR(" + col + ")" },
	paginate:     limitOffset("NULL"),
	dateTrunc: func(col string, b Bucket, _ dbtypes.CanonicalType) string {
		return "DATE_TRUNC('" + strings.ToUpper(string(b)) + "', " + col + ")"
	},
	estimate: func(t *models.Table, bind func(any) string) string {
		if t.Schema != "" {
			return "SELECT ROW_COUNT FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA = " + bind(t.Schema) + " AND TABLE_NAME = " + bind(t.Name)
		}
		return "SELECT ROW_COUNT FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA = CURRENT_SCHEMA() AND TABLE_NAME = " + bind(t.Name)
	},
	coveredBy:     func(col, geom string) string { return "ST_COVEREDBY(" + col + ", TO_GEOGRAPHY(" + geom + "))" },
	isEmpty:       emptyString,
	Transactional: true,
}

var clickhouseDialect = &Dialect{
	Engine:      models.EngineClickHouse,
	quote:       quoteWith("`", "`"),
	placeholder: questionMark,
	ilike:       true,
	escape:      '\\',
	textCast:    func(col string, _ dbtypes.CanonicalType) string { return "toString(" + col + ")" },
	paginate:    limitOffset(""),
	dateTrunc: func(col string, b Bucket, _ dbtypes.CanonicalType) string {
		fn := map[Bucket]string{
			BucketDay:     "toDate",
			BucketWeek:    "toMonday",
			BucketMonth:   "toStartOfMonth",
			BucketQuarter: "toStartOfQuarter",
			BucketYear:    "toStartOfYear",
		}[b]
		return fn + "(" + col + ")"
	},
	estimate: func(t *models.Table, bind func(any) string) string {
		if t.Schema != "" {
			return "SELECT total_rows FROM system.tables WHERE database = " + bind(t.Schema) + " AND name = " + bind(t.Name)
		}
		return "SELECT total_rows FROM system.tables WHERE database = currentDatabase() AND name = " + bind(t.Name)
	},
	isEmpty: func(col string) string { return "empty(" + col + ")" },
}

var bigqueryDialect = &Dialect{
	Engine:      models.EngineBigQuery,
	quote:       quoteWith("`", "`"),
	placeholder: questionMark,
	escape:      '\\',
	textCast: func(col string, t dbtypes.CanonicalType) string {
		if t == dbtypes.JSON {
			return "TO_JSON_STRING(" + col + ")"
		}
		return "CAST(" + col + " AS STRING)"
	},
	paginate: limitOffset("9223372036854775807"),
	dateTrunc: func(col string, b Bucket, t dbtypes.CanonicalType) string {
		part := strings.ToUpper(string(b))
		if b == BucketWeek {
			part = "WEEK(MONDAY)"
		}
		switch t {
		case dbtypes.Date:
			return "DATE_TRUNC(" + col + ", " + part + ")"
		case dbtypes.DateTime:
			return "DATETIME_TRUNC(" + col + ", " + part + ")"
		}
		return "TIMESTAMP_TRUNC(" + col + ", " + part + ")"
	},
	coveredBy: func(col, geom string) string { return "ST_COVEREDBY(" + col + ", ST_GEOGFROMTEXT(" + geom + "))" },
	isEmpty:   emptyString,
}

// DialectFor returns the dialect of a relational engine.
func DialectFor(engine models.Engine) (*Dialect, error) {
	switch engine {
	case models.EnginePostgres:
		return postgresDialect, nil
	case models.EngineCockroach:
		return cockroachDialect, nil
	case models.EngineMySQL, models.EngineMariaDB:
		return mysqlDialect, nil
	case models.EngineMSSQL:
		return mssqlDialect, nil
	case models.EngineOracle:
		return oracleDialect, nil
	case models.EngineSQLite:
		return sqliteDialect, nil
	case models.EngineSnowflake:
		return snowflakeDialect, nil
	case models.EngineClickHouse:
		return clickhouseDialect, nil
	case models.EngineBigQuery:
		return bigqueryDialect, nil
	}
	return nil, fmt.Errorf("queryset: no SQL dialect for engine %q", engine)
}
