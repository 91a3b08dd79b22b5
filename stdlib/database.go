package stdlib

import (
	"database/sql"

	_ "modernc.org/sqlite"

	"github.com/chazu/ember/vm"
)

const dbHandleKind = "sqlite.db"

func databaseNatives() []*vm.NativeFunction {
	return []*vm.NativeFunction{
		native("db_open", 1, dbOpen),
		native("db_exec", -1, dbExec),
		native("db_query", -1, dbQuery),
		native("db_close", 1, dbClose),
	}
}

// dbOpen opens a SQLite database at path (":memory:" for a private
// in-memory database) and returns a handle.
func dbOpen(_ *vm.Call, args []vm.Value) (vm.Value, error) {
	path, err := argStr("db_open", args, 0)
	if err != nil {
		return vm.Null, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return vm.Null, vm.Errorf("db_open: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return vm.Null, vm.Errorf("db_open: %v", err)
	}
	// An in-memory database lives as long as its single connection.
	db.SetMaxOpenConns(1)
	return vm.NewHandle(dbHandleKind, db), nil
}

func handleDB(name string, args []vm.Value) (*sql.DB, error) {
	if len(args) == 0 {
		return nil, vm.Errorf("%s: missing database handle", name)
	}
	h, err := argHandle(name, dbHandleKind, args, 0)
	if err != nil {
		return nil, err
	}
	db, _ := h.Resource.(*sql.DB)
	if db == nil {
		return nil, vm.Errorf("%s: database is closed", name)
	}
	return db, nil
}

// dbExec runs a statement with optional parameters and returns the number of
// affected rows.
func dbExec(_ *vm.Call, args []vm.Value) (vm.Value, error) {
	db, err := handleDB("db_exec", args)
	if err != nil {
		return vm.Null, err
	}
	query, params, err := statement("db_exec", args)
	if err != nil {
		return vm.Null, err
	}
	res, err := db.Exec(query, params...)
	if err != nil {
		return vm.Null, vm.Errorf("db_exec: %v", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return vm.Int(0), nil
	}
	return vm.Int(n), nil
}

// dbQuery runs a query and returns its rows as an array of dicts keyed by
// column name.
func dbQuery(_ *vm.Call, args []vm.Value) (vm.Value, error) {
	db, err := handleDB("db_query", args)
	if err != nil {
		return vm.Null, err
	}
	query, params, err := statement("db_query", args)
	if err != nil {
		return vm.Null, err
	}
	rows, err := db.Query(query, params...)
	if err != nil {
		return vm.Null, vm.Errorf("db_query: %v", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return vm.Null, vm.Errorf("db_query: %v", err)
	}
	var out []vm.Value
	for rows.Next() {
		dest := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range dest {
			ptrs[i] = &dest[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return vm.Null, vm.Errorf("db_query: %v", err)
		}
		row := vm.NewDict()
		for i, c := range cols {
			row.AsDict().Set(c, fromSQL(dest[i]))
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return vm.Null, vm.Errorf("db_query: %v", err)
	}
	return vm.NewArray(out), nil
}

func dbClose(_ *vm.Call, args []vm.Value) (vm.Value, error) {
	h, err := argHandle("db_close", dbHandleKind, args, 0)
	if err != nil {
		return vm.Null, err
	}
	if db, ok := h.Resource.(*sql.DB); ok && db != nil {
		h.Resource = (*sql.DB)(nil)
		if err := db.Close(); err != nil {
			return vm.Null, vm.Errorf("db_close: %v", err)
		}
	}
	return vm.Null, nil
}

// statement extracts the SQL text and bound parameters from args[1:].
func statement(name string, args []vm.Value) (string, []any, error) {
	if len(args) < 2 {
		return "", nil, vm.Errorf("%s: missing SQL statement", name)
	}
	query, err := argStr(name, args, 1)
	if err != nil {
		return "", nil, err
	}
	params := make([]any, 0, len(args)-2)
	for _, a := range args[2:] {
		p, err := toSQL(name, a)
		if err != nil {
			return "", nil, err
		}
		params = append(params, p)
	}
	return query, params, nil
}

func toSQL(name string, v vm.Value) (any, error) {
	switch v.Kind() {
	case vm.KindNull:
		return nil, nil
	case vm.KindInt:
		return v.AsInt(), nil
	case vm.KindFloat:
		return v.AsFloat(), nil
	case vm.KindBool:
		return v.AsBool(), nil
	case vm.KindStr:
		return v.AsStr(), nil
	}
	return nil, vm.Errorf("%s: cannot bind %s", name, v.Kind())
}

func fromSQL(v any) vm.Value {
	switch tv := v.(type) {
	case nil:
		return vm.Null
	case int64:
		return vm.Int(tv)
	case float64:
		return vm.Float(tv)
	case bool:
		return vm.Bool(tv)
	case string:
		return vm.Str(tv)
	case []byte:
		return vm.Str(string(tv))
	}
	return vm.Null
}
