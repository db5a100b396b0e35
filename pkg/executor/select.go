package executor

import (
	"sort"
	"strings"

	"github.com/corvusdb/corvus/pkg/ast"
	"github.com/corvusdb/corvus/pkg/errors"
	"github.com/corvusdb/corvus/pkg/executor/infoschema"
	"github.com/corvusdb/corvus/pkg/storage"
	"github.com/corvusdb/corvus/pkg/types"
)

// resolveFn is the shape eval() calls into for any FunctionCallExpr it
// doesn't recognize as a built-in scalar: a user-defined function looked
// up in the catalog and run through the scripting backend registry.
func (e *Executor) resolveUDF(name string, args []types.Value) (types.Value, error) {
	return e.callScalarFunction(name, args)
}

func aliasOrName(ref ast.TableRef) string {
	if ref.Alias != "" {
		return ref.Alias
	}
	return ref.Name
}

// bindTable loads a table's schema and rows and returns the column
// bindings (stable even when zero rows match) alongside one rowEnv per
// row.
func (e *Executor) bindTable(tx *storage.Transaction, ref ast.TableRef, params []types.Value) ([]boundColumn, []*rowEnv, error) {
	if strings.EqualFold(ref.Schema, "information_schema") {
		return e.bindInfoSchema(ref, params)
	}
	tbl, ok := e.engine.Table(ref.Schema, ref.Name)
	if !ok {
		return nil, nil, &errors.TableNotFoundError{Name: ref.Name}
	}
	alias := aliasOrName(ref)
	bindings := make([]boundColumn, len(tbl.Schema.Columns))
	for i, c := range tbl.Schema.Columns {
		bindings[i] = boundColumn{Table: alias, Name: c.Name}
	}

	rows, err := e.engine.Scan(tx, ref.Schema, ref.Name)
	if err != nil {
		return nil, nil, err
	}
	envs := make([]*rowEnv, len(rows))
	for i, row := range rows {
		envs[i] = &rowEnv{cols: bindings, values: row, params: params}
	}
	return bindings, envs, nil
}

// bindInfoSchema materializes one information_schema relation (spec.md
// §4.9) as row bindings, the same shape bindTable produces for a real
// table, so joins/WHERE/GROUP BY/ORDER BY all work against it unchanged.
func (e *Executor) bindInfoSchema(ref ast.TableRef, params []types.Value) ([]boundColumn, []*rowEnv, error) {
	colNames, rows, err := infoschema.Relation(e.engine, e.registry, ref.Name)
	if err != nil {
		return nil, nil, err
	}
	alias := aliasOrName(ref)
	bindings := make([]boundColumn, len(colNames))
	for i, name := range colNames {
		bindings[i] = boundColumn{Table: alias, Name: name}
	}
	envs := make([]*rowEnv, len(rows))
	for i, row := range rows {
		envs[i] = &rowEnv{cols: bindings, values: row, params: params}
	}
	return bindings, envs, nil
}

// combine widens every env in left with every env in right's column
// bindings, used to build join row shapes before the ON predicate filters
// matches out.
func combine(left, right *rowEnv) *rowEnv {
	cols := make([]boundColumn, 0, len(left.cols)+len(right.cols))
	cols = append(cols, left.cols...)
	cols = append(cols, right.cols...)
	vals := make(storage.Row, 0, len(left.values)+len(right.values))
	vals = append(vals, left.values...)
	vals = append(vals, right.values...)
	return &rowEnv{cols: cols, values: vals, params: left.params}
}

func nullRow(bindings []boundColumn) storage.Row {
	row := make(storage.Row, len(bindings))
	for i := range row {
		row[i] = types.NewNull(types.NullType)
	}
	return row
}

func (e *Executor) applyJoin(tx *storage.Transaction, bindings []boundColumn, left []*rowEnv, join ast.Join, params []types.Value) ([]boundColumn, []*rowEnv, error) {
	rightBindings, rightEnvs, err := e.bindTable(tx, join.Table, params)
	if err != nil {
		return nil, nil, err
	}
	outBindings := append(append([]boundColumn{}, bindings...), rightBindings...)

	var out []*rowEnv
	for _, l := range left {
		matched := false
		for _, r := range rightEnvs {
			combined := combine(l, r)
			if join.On != nil {
				v, err := eval(join.On, combined, e.resolveUDF)
				if err != nil {
					return nil, nil, err
				}
				if !truthy(v) {
					continue
				}
			}
			matched = true
			out = append(out, combined)
		}
		if !matched && join.Type == ast.LeftJoin {
			padded := &rowEnv{cols: outBindings, values: append(append(storage.Row{}, l.values...), nullRow(rightBindings)...), params: params}
			out = append(out, padded)
		}
	}
	return outBindings, out, nil
}

func containsAggregateInColumns(cols []ast.SelectItem) bool {
	for _, c := range cols {
		if containsAggregate(c.Expr) {
			return true
		}
	}
	return false
}

func containsAggregate(expr ast.Expr) bool {
	switch e := expr.(type) {
	case *ast.FunctionCallExpr:
		if isAggregateName(e.Name) {
			return true
		}
		for _, a := range e.Args {
			if containsAggregate(a) {
				return true
			}
		}
		return false
	case *ast.BinaryExpr:
		return containsAggregate(e.Left) || containsAggregate(e.Right)
	case *ast.UnaryExpr:
		return containsAggregate(e.Expr)
	case *ast.CaseExpr:
		for _, w := range e.Whens {
			if containsAggregate(w.When) || containsAggregate(w.Then) {
				return true
			}
		}
		return containsAggregate(e.Else)
	default:
		return false
	}
}

// rewriteAggregates replaces every aggregate FunctionCallExpr reachable in
// expr with a LiteralExpr holding its value computed over group, so the
// ordinary eval() path can finish evaluating the rest of the expression
// without knowing anything about aggregation.
func rewriteAggregates(expr ast.Expr, group []*rowEnv, resolveFn func(string, []types.Value) (types.Value, error)) (ast.Expr, error) {
	if expr == nil {
		return nil, nil
	}
	switch e := expr.(type) {
	case *ast.FunctionCallExpr:
		if isAggregateName(e.Name) {
			v, err := evalAggregate(e, group, resolveFn)
			if err != nil {
				return nil, err
			}
			return ast.LiteralExpr{Value: v}, nil
		}
		args := make([]ast.Expr, len(e.Args))
		for i, a := range e.Args {
			r, err := rewriteAggregates(a, group, resolveFn)
			if err != nil {
				return nil, err
			}
			args[i] = r
		}
		return &ast.FunctionCallExpr{Name: e.Name, Args: args, Star: e.Star, Distinct: e.Distinct}, nil
	case *ast.BinaryExpr:
		l, err := rewriteAggregates(e.Left, group, resolveFn)
		if err != nil {
			return nil, err
		}
		r, err := rewriteAggregates(e.Right, group, resolveFn)
		if err != nil {
			return nil, err
		}
		return &ast.BinaryExpr{Op: e.Op, Left: l, Right: r}, nil
	case *ast.UnaryExpr:
		inner, err := rewriteAggregates(e.Expr, group, resolveFn)
		if err != nil {
			return nil, err
		}
		return &ast.UnaryExpr{Op: e.Op, Expr: inner}, nil
	case *ast.CaseExpr:
		whens := make([]ast.CaseWhen, len(e.Whens))
		for i, w := range e.Whens {
			when, err := rewriteAggregates(w.When, group, resolveFn)
			if err != nil {
				return nil, err
			}
			then, err := rewriteAggregates(w.Then, group, resolveFn)
			if err != nil {
				return nil, err
			}
			whens[i] = ast.CaseWhen{When: when, Then: then}
		}
		elseExpr, err := rewriteAggregates(e.Else, group, resolveFn)
		if err != nil {
			return nil, err
		}
		return &ast.CaseExpr{Operand: e.Operand, Whens: whens, Else: elseExpr}, nil
	default:
		return expr, nil
	}
}

func evalAggregate(fn *ast.FunctionCallExpr, group []*rowEnv, resolveFn func(string, []types.Value) (types.Value, error)) (types.Value, error) {
	name := strings.ToUpper(fn.Name)
	if name == "COUNT" {
		if fn.Star {
			return types.NewInteger(int64(len(group))), nil
		}
		count := int64(0)
		for _, r := range group {
			v, err := eval(fn.Args[0], r, resolveFn)
			if err != nil {
				return types.Value{}, err
			}
			if !v.IsNull() {
				count++
			}
		}
		return types.NewInteger(count), nil
	}
	if len(fn.Args) != 1 {
		return types.Value{}, &errors.ExpressionEvalError{Cause: name + " requires exactly one argument"}
	}
	var vals []types.Value
	for _, r := range group {
		v, err := eval(fn.Args[0], r, resolveFn)
		if err != nil {
			return types.Value{}, err
		}
		if !v.IsNull() {
			vals = append(vals, v)
		}
	}
	switch name {
	case "SUM":
		if len(vals) == 0 {
			return types.NewNull(types.Float), nil
		}
		allInt, fsum, isum := true, 0.0, int64(0)
		for _, v := range vals {
			if v.Type() != types.Integer {
				allInt = false
			}
			fsum += numericOf(v)
		}
		if allInt {
			for _, v := range vals {
				isum += v.Int()
			}
			return types.NewInteger(isum), nil
		}
		return types.NewFloat(fsum), nil
	case "AVG":
		if len(vals) == 0 {
			return types.NewNull(types.Float), nil
		}
		sum := 0.0
		for _, v := range vals {
			sum += numericOf(v)
		}
		return types.NewFloat(sum / float64(len(vals))), nil
	case "MIN":
		if len(vals) == 0 {
			return types.NewNull(types.NullType), nil
		}
		m := vals[0]
		for _, v := range vals[1:] {
			if compareValues(v, m) < 0 {
				m = v
			}
		}
		return m, nil
	case "MAX":
		if len(vals) == 0 {
			return types.NewNull(types.NullType), nil
		}
		m := vals[0]
		for _, v := range vals[1:] {
			if compareValues(v, m) > 0 {
				m = v
			}
		}
		return m, nil
	default:
		return types.Value{}, &errors.FunctionNotFoundError{Name: fn.Name}
	}
}

// groupRows partitions rows by the evaluated GROUP BY key tuple. Order of
// first appearance is preserved, matching common engines' default (no
// sort is implied by GROUP BY alone; ORDER BY handles that separately).
func groupRows(rows []*rowEnv, groupBy []ast.Expr, resolveFn func(string, []types.Value) (types.Value, error)) ([][]*rowEnv, error) {
	if len(groupBy) == 0 {
		return [][]*rowEnv{rows}, nil
	}
	var order []string
	buckets := make(map[string][]*rowEnv)
	for _, r := range rows {
		var key strings.Builder
		for _, g := range groupBy {
			v, err := eval(g, r, resolveFn)
			if err != nil {
				return nil, err
			}
			key.WriteString(v.String())
			key.WriteByte(0)
		}
		k := key.String()
		if _, ok := buckets[k]; !ok {
			order = append(order, k)
		}
		buckets[k] = append(buckets[k], r)
	}
	groups := make([][]*rowEnv, len(order))
	for i, k := range order {
		groups[i] = buckets[k]
	}
	return groups, nil
}

func outputName(item ast.SelectItem) string {
	if item.Alias != "" {
		return item.Alias
	}
	switch e := item.Expr.(type) {
	case ast.ColumnExpr:
		return e.Name
	case *ast.FunctionCallExpr:
		return strings.ToLower(e.Name)
	default:
		return "?column?"
	}
}

// repOf returns a representative row for a group: the first row when one
// exists, otherwise a synthetic all-null row shaped like bindings. The
// synthetic case only arises for a bare aggregate over zero input rows
// (e.g. SELECT COUNT(*) FROM t WHERE false), where the SELECT list must
// consist entirely of aggregates — any plain column reference in that
// situation is invalid SQL the reference parser does not reject, so it
// resolves to NULL rather than panicking.
func repOf(group []*rowEnv, bindings []boundColumn, params []types.Value) *rowEnv {
	if len(group) > 0 {
		return group[0]
	}
	return &rowEnv{cols: bindings, values: nullRow(bindings), params: params}
}

// projectGroup evaluates one SELECT list against one group (a single row
// for non-aggregated queries), expanding any StarExpr columns inline.
func projectGroup(columns []ast.SelectItem, bindings []boundColumn, group []*rowEnv, params []types.Value, resolveFn func(string, []types.Value) (types.Value, error)) ([]string, storage.Row, error) {
	var names []string
	var out storage.Row
	rep := repOf(group, bindings, params)

	for _, item := range columns {
		if star, ok := item.Expr.(ast.StarExpr); ok {
			for i, c := range bindings {
				if star.Table != "" && !strings.EqualFold(c.Table, star.Table) {
					continue
				}
				names = append(names, c.Name)
				out = append(out, rep.values[i])
			}
			continue
		}
		rewritten, err := rewriteAggregates(item.Expr, group, resolveFn)
		if err != nil {
			return nil, nil, err
		}
		v, err := eval(rewritten, rep, resolveFn)
		if err != nil {
			return nil, nil, err
		}
		names = append(names, outputName(item))
		out = append(out, v)
	}
	return names, out, nil
}

func (e *Executor) execSelect(s *ast.SelectStmt, params []types.Value) (*QueryResult, error) {
	tx := e.currentTx()
	bindings, envs, err := e.bindTable(tx, s.From, params)
	if err != nil {
		return nil, err
	}
	for _, j := range s.Joins {
		bindings, envs, err = e.applyJoin(tx, bindings, envs, j, params)
		if err != nil {
			return nil, err
		}
	}

	var filtered []*rowEnv
	for _, env := range envs {
		if s.Where == nil {
			filtered = append(filtered, env)
			continue
		}
		v, err := eval(s.Where, env, e.resolveUDF)
		if err != nil {
			return nil, err
		}
		if truthy(v) {
			filtered = append(filtered, env)
		}
	}

	var groups [][]*rowEnv
	if len(s.GroupBy) > 0 || containsAggregateInColumns(s.Columns) {
		if len(filtered) == 0 && len(s.GroupBy) == 0 {
			// A bare aggregate over zero rows still yields one row, e.g.
			// COUNT(*) = 0 (no GROUP BY means the whole table is one
			// implicit group, even an empty one).
			groups = [][]*rowEnv{{}}
		} else {
			groups, err = groupRows(filtered, s.GroupBy, e.resolveUDF)
			if err != nil {
				return nil, err
			}
		}
	} else {
		groups = make([][]*rowEnv, len(filtered))
		for i, r := range filtered {
			groups[i] = []*rowEnv{r}
		}
	}

	if s.Having != nil {
		var kept [][]*rowEnv
		for _, g := range groups {
			rep := repOf(g, bindings, params)
			rewritten, err := rewriteAggregates(s.Having, g, e.resolveUDF)
			if err != nil {
				return nil, err
			}
			v, err := eval(rewritten, rep, e.resolveUDF)
			if err != nil {
				return nil, err
			}
			if truthy(v) {
				kept = append(kept, g)
			}
		}
		groups = kept
	}

	var columns []string
	resultRows := make([]storage.Row, 0, len(groups))
	for _, g := range groups {
		names, row, err := projectGroup(s.Columns, bindings, g, params, e.resolveUDF)
		if err != nil {
			return nil, err
		}
		columns = names
		resultRows = append(resultRows, row)
	}
	if columns == nil {
		columns = defaultColumnNames(s.Columns, bindings)
	}

	if len(s.OrderBy) > 0 {
		if err := sortResult(resultRows, groups, bindings, params, s.OrderBy, e.resolveUDF); err != nil {
			return nil, err
		}
	}

	if s.Distinct {
		resultRows = dedupeRows(resultRows)
	}

	resultRows = applyLimitOffset(resultRows, s.Offset, s.Limit)

	return &QueryResult{Columns: columns, Rows: resultRows}, nil
}

func defaultColumnNames(columns []ast.SelectItem, bindings []boundColumn) []string {
	var names []string
	for _, item := range columns {
		if star, ok := item.Expr.(ast.StarExpr); ok {
			for _, c := range bindings {
				if star.Table != "" && !strings.EqualFold(c.Table, star.Table) {
					continue
				}
				names = append(names, c.Name)
			}
			continue
		}
		names = append(names, outputName(item))
	}
	return names
}

// sortResult sorts resultRows by the ORDER BY list, evaluated against each
// row's backing group (so ORDER BY can reference an aggregate the SELECT
// list also computes). The groups slice itself keeps its original order.
func sortResult(rows []storage.Row, groups [][]*rowEnv, bindings []boundColumn, params []types.Value, orderBy []ast.OrderItem, resolveFn func(string, []types.Value) (types.Value, error)) error {
	type keyed struct {
		row storage.Row
		key []types.Value
	}
	items := make([]keyed, len(rows))
	for gi, g := range groups {
		rep := repOf(g, bindings, params)
		key := make([]types.Value, len(orderBy))
		for i, o := range orderBy {
			rewritten, err := rewriteAggregates(o.Expr, g, resolveFn)
			if err != nil {
				return err
			}
			v, err := eval(rewritten, rep, resolveFn)
			if err != nil {
				return err
			}
			key[i] = v
		}
		items[gi] = keyed{row: rows[gi], key: key}
	}
	sort.SliceStable(items, func(i, j int) bool {
		for k, o := range orderBy {
			cmp := compareValues(items[i].key[k], items[j].key[k])
			if cmp == 0 {
				continue
			}
			if o.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
	for i, it := range items {
		rows[i] = it.row
	}
	return nil
}

func dedupeRows(rows []storage.Row) []storage.Row {
	var out []storage.Row
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		var key strings.Builder
		for _, v := range row {
			key.WriteString(v.String())
			key.WriteByte(0)
		}
		k := key.String()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, row)
	}
	return out
}

func applyLimitOffset(rows []storage.Row, offset, limit *int64) []storage.Row {
	start := int64(0)
	if offset != nil {
		start = *offset
	}
	if start < 0 {
		start = 0
	}
	if start >= int64(len(rows)) {
		return nil
	}
	rows = rows[start:]
	if limit != nil && *limit >= 0 && *limit < int64(len(rows)) {
		rows = rows[:*limit]
	}
	return rows
}
