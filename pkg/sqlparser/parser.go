package sqlparser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/corvusdb/corvus/pkg/ast"
	"github.com/corvusdb/corvus/pkg/errors"
	"github.com/corvusdb/corvus/pkg/types"
)

// Parser turns a token stream into an ast.Program by recursive descent.
type Parser struct {
	toks []token
	pos  int
	src  string
}

// Parse tokenizes and parses sql into a Program of one statement per
// semicolon-separated clause.
func Parse(sql string) (*ast.Program, error) {
	lx := NewLexer(sql)
	toks, err := lx.Tokenize()
	if err != nil {
		return nil, &errors.ParseError{Cause: err.Error()}
	}
	p := &Parser{toks: toks, src: sql}
	return p.parseProgram()
}

func (p *Parser) parseProgram() (*ast.Program, error) {
	prog := &ast.Program{}
	for !p.atEOF() {
		p.skipSemicolons()
		if p.atEOF() {
			break
		}
		stmt, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		prog.Statements = append(prog.Statements, stmt)
		p.skipSemicolons()
	}
	if len(prog.Statements) == 0 {
		return nil, &errors.NoStatementsToExecuteError{}
	}
	return prog, nil
}

func (p *Parser) skipSemicolons() {
	for p.isSymbol(";") {
		p.pos++
	}
}

// --- token helpers ---

func (p *Parser) cur() token {
	if p.pos >= len(p.toks) {
		return token{kind: tokEOF}
	}
	return p.toks[p.pos]
}

func (p *Parser) atEOF() bool { return p.cur().kind == tokEOF }

func (p *Parser) errUnexpected(expected string) error {
	t := p.cur()
	return &errors.ParseError{Cause: fmt.Sprintf("expected %s, got %q at position %d", expected, t.text, t.pos)}
}

func (p *Parser) isKeyword(kw string) bool {
	t := p.cur()
	return t.kind == tokKeyword && t.text == kw
}

func (p *Parser) isSymbol(sym string) bool {
	t := p.cur()
	return (t.kind == tokSymbol && t.text == sym) || (sym == "*" && t.kind == tokStar)
}

func (p *Parser) isIdent() bool {
	return p.cur().kind == tokIdent
}

func (p *Parser) expectKeyword(kw string) error {
	if !p.isKeyword(kw) {
		return p.errUnexpected(kw)
	}
	p.pos++
	return nil
}

func (p *Parser) expectSymbol(sym string) error {
	if !p.isSymbol(sym) {
		return p.errUnexpected(sym)
	}
	p.pos++
	return nil
}

// parseIdentName accepts only an identifier token; a keyword, even one like
// "KEY" that other dialects let double as a name, is rejected. A
// double-quoted name lexes as an identifier and is accepted.
func (p *Parser) parseIdentName() (string, error) {
	t := p.cur()
	if t.kind == tokIdent {
		p.pos++
		return t.text, nil
	}
	return "", p.errUnexpected("identifier")
}

// parseQualifiedName parses NAME or SCHEMA.NAME.
func (p *Parser) parseQualifiedName() (schema, name string, err error) {
	first, err := p.parseIdentName()
	if err != nil {
		return "", "", err
	}
	if p.isSymbol(".") {
		p.pos++
		// After a qualifier a keyword is taken as a name, so relations such
		// as information_schema.tables and information_schema.views parse.
		if t := p.cur(); t.kind == tokKeyword {
			p.pos++
			return first, strings.ToLower(t.text), nil
		}
		second, err := p.parseIdentName()
		if err != nil {
			return "", "", err
		}
		return first, second, nil
	}
	return "", first, nil
}

// --- statement dispatch ---

func (p *Parser) parseStatement() (ast.Statement, error) {
	t := p.cur()
	if t.kind != tokKeyword {
		return nil, p.errUnexpected("statement keyword")
	}

	switch t.text {
	case "SELECT":
		return p.parseSelectStmt()
	case "INSERT":
		return p.parseInsert()
	case "UPDATE":
		return p.parseUpdate()
	case "DELETE":
		return p.parseDelete()
	case "CREATE":
		return p.parseCreate()
	case "DROP":
		return p.parseDrop()
	case "ALTER":
		return p.parseAlterTable()
	case "CALL":
		return p.parseCall()
	case "SHOW":
		return p.parseShow()
	case "DESCRIBE":
		return p.parseDescribe()
	case "BEGIN", "START":
		p.pos++
		if p.isKeyword("TRANSACTION") {
			p.pos++
		}
		return &ast.BeginStmt{}, nil
	case "COMMIT":
		p.pos++
		return &ast.CommitStmt{}, nil
	case "ROLLBACK":
		p.pos++
		return &ast.RollbackStmt{}, nil
	default:
		return nil, &errors.ParseError{Cause: fmt.Sprintf("unknown statement keyword %q", t.text)}
	}
}

// --- CREATE / DROP dispatch ---

func (p *Parser) parseCreate() (ast.Statement, error) {
	p.pos++ // CREATE

	orReplace := false
	if p.isKeyword("OR") {
		p.pos++
		if err := p.expectKeyword("REPLACE"); err != nil {
			return nil, err
		}
		orReplace = true
	}

	unique := false
	if p.isKeyword("UNIQUE") {
		p.pos++
		unique = true
	}

	switch {
	case p.isKeyword("TABLE"):
		return p.parseCreateTable()
	case p.isKeyword("INDEX"):
		return p.parseCreateIndex(unique)
	case p.isKeyword("VIEW"):
		return p.parseCreateView()
	case p.isKeyword("SCHEMA"):
		return p.parseCreateSchema()
	case p.isKeyword("FUNCTION"):
		return p.parseCreateFunction(orReplace)
	case p.isKeyword("PROCEDURE"), p.isKeyword("ROUTINE"):
		return p.parseCreateProcedure(orReplace)
	default:
		return nil, p.errUnexpected("TABLE, INDEX, VIEW, SCHEMA, FUNCTION, or PROCEDURE")
	}
}

func (p *Parser) parseDrop() (ast.Statement, error) {
	p.pos++ // DROP
	switch {
	case p.isKeyword("TABLE"):
		return p.parseDropTable()
	case p.isKeyword("INDEX"):
		return p.parseDropIndex()
	case p.isKeyword("VIEW"):
		return p.parseDropView()
	case p.isKeyword("SCHEMA"):
		return p.parseDropSchema()
	case p.isKeyword("FUNCTION"):
		return p.parseDropFunction()
	case p.isKeyword("PROCEDURE"), p.isKeyword("ROUTINE"):
		return p.parseDropProcedure()
	default:
		return nil, p.errUnexpected("TABLE, INDEX, VIEW, SCHEMA, FUNCTION, or PROCEDURE")
	}
}

func (p *Parser) parseIfNotExists() bool {
	if p.isKeyword("IF") {
		save := p.pos
		p.pos++
		if p.isKeyword("NOT") {
			p.pos++
			if p.isKeyword("EXISTS") {
				p.pos++
				return true
			}
		}
		p.pos = save
	}
	return false
}

func (p *Parser) parseIfExists() bool {
	if p.isKeyword("IF") {
		save := p.pos
		p.pos++
		if p.isKeyword("EXISTS") {
			p.pos++
			return true
		}
		p.pos = save
	}
	return false
}

// --- CREATE TABLE ---

func (p *Parser) parseCreateTable() (ast.Statement, error) {
	p.pos++ // TABLE
	ifNotExists := p.parseIfNotExists()

	schema, name, err := p.parseQualifiedName()
	if err != nil {
		return nil, err
	}

	stmt := &ast.CreateTableStmt{Schema: schema, Name: name, IfNotExists: ifNotExists}

	if p.isKeyword("AS") {
		p.pos++
		sel, err := p.parseSelect()
		if err != nil {
			return nil, err
		}
		stmt.AsSelect = sel
		return stmt, nil
	}

	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}

	for {
		col, err := p.parseColumnDef()
		if err != nil {
			return nil, err
		}
		stmt.Columns = append(stmt.Columns, col)
		if p.isSymbol(",") {
			p.pos++
			continue
		}
		break
	}

	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}

	return stmt, nil
}

func (p *Parser) parseColumnDef() (ast.ColumnDef, error) {
	name, err := p.parseIdentName()
	if err != nil {
		return ast.ColumnDef{}, err
	}

	typeName, err := p.parseTypeName()
	if err != nil {
		return ast.ColumnDef{}, err
	}

	col := ast.ColumnDef{Name: name, TypeName: typeName, Nullable: true}

	for {
		switch {
		case p.isKeyword("NOT"):
			p.pos++
			if err := p.expectKeyword("NULL"); err != nil {
				return ast.ColumnDef{}, err
			}
			col.Nullable = false
		case p.isKeyword("NULL"):
			p.pos++
			col.Nullable = true
		case p.isKeyword("PRIMARY"):
			p.pos++
			if err := p.expectKeyword("KEY"); err != nil {
				return ast.ColumnDef{}, err
			}
			col.PrimaryKey = true
			col.Nullable = false
		case p.isKeyword("AUTO_INCREMENT"):
			p.pos++
			col.AutoIncrement = true
		case p.isKeyword("DEFAULT"):
			p.pos++
			expr, err := p.parseExpr()
			if err != nil {
				return ast.ColumnDef{}, err
			}
			col.Default = expr
		case p.isKeyword("CHECK"):
			p.pos++
			if err := p.expectSymbol("("); err != nil {
				return ast.ColumnDef{}, err
			}
			expr, err := p.parseExpr()
			if err != nil {
				return ast.ColumnDef{}, err
			}
			if err := p.expectSymbol(")"); err != nil {
				return ast.ColumnDef{}, err
			}
			col.Check = expr
		default:
			if strings.EqualFold(typeName, "SERIAL") {
				col.AutoIncrement = true
			}
			return col, nil
		}
	}
}

func (p *Parser) parseTypeName() (string, error) {
	t := p.cur()
	var name string
	if t.kind == tokIdent {
		name = t.text
		p.pos++
	} else if t.kind == tokKeyword {
		name = t.text
		p.pos++
	} else {
		return "", p.errUnexpected("type name")
	}

	if p.isSymbol("(") {
		p.pos++
		for !p.isSymbol(")") {
			if p.atEOF() {
				return "", p.errUnexpected(")")
			}
			p.pos++
		}
		p.pos++ // )
	}
	return name, nil
}

// --- DROP TABLE ---

func (p *Parser) parseDropTable() (ast.Statement, error) {
	p.pos++ // TABLE
	ifExists := p.parseIfExists()
	schema, name, err := p.parseQualifiedName()
	if err != nil {
		return nil, err
	}
	return &ast.DropTableStmt{Schema: schema, Name: name, IfExists: ifExists}, nil
}

// --- ALTER TABLE ---

func (p *Parser) parseAlterTable() (ast.Statement, error) {
	p.pos++ // ALTER
	if err := p.expectKeyword("TABLE"); err != nil {
		return nil, err
	}
	schema, name, err := p.parseQualifiedName()
	if err != nil {
		return nil, err
	}
	stmt := &ast.AlterTableStmt{Schema: schema, Table: name}

	for {
		action, err := p.parseAlterAction()
		if err != nil {
			return nil, err
		}
		stmt.Actions = append(stmt.Actions, action)
		if p.isSymbol(",") {
			p.pos++
			continue
		}
		break
	}
	return stmt, nil
}

func (p *Parser) parseAlterAction() (ast.AlterAction, error) {
	switch {
	case p.isKeyword("ADD"):
		p.pos++
		if p.isKeyword("COLUMN") {
			p.pos++
		}
		col, err := p.parseColumnDef()
		if err != nil {
			return nil, err
		}
		return ast.AddColumnAction{Column: col}, nil

	case p.isKeyword("DROP"):
		p.pos++
		if p.isKeyword("COLUMN") {
			p.pos++
		}
		name, err := p.parseIdentName()
		if err != nil {
			return nil, err
		}
		return ast.DropColumnAction{Name: name}, nil

	case p.isKeyword("RENAME"):
		p.pos++
		if p.isKeyword("TO") {
			p.pos++
			newName, err := p.parseIdentName()
			if err != nil {
				return nil, err
			}
			return ast.RenameTableAction{NewName: newName}, nil
		}
		if p.isKeyword("COLUMN") {
			p.pos++
		}
		oldName, err := p.parseIdentName()
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("TO"); err != nil {
			return nil, err
		}
		newName, err := p.parseIdentName()
		if err != nil {
			return nil, err
		}
		return ast.RenameColumnAction{Old: oldName, New: newName}, nil

	case p.isKeyword("MODIFY"):
		p.pos++
		if p.isKeyword("COLUMN") {
			p.pos++
		}
		name, err := p.parseIdentName()
		if err != nil {
			return nil, err
		}
		typeName, err := p.parseTypeName()
		if err != nil {
			return nil, err
		}
		nullable := true
		if p.isKeyword("NOT") {
			p.pos++
			if err := p.expectKeyword("NULL"); err != nil {
				return nil, err
			}
			nullable = false
		} else if p.isKeyword("NULL") {
			p.pos++
		}
		return ast.ModifyColumnAction{Name: name, TypeName: typeName, Nullable: nullable}, nil

	default:
		return nil, p.errUnexpected("ADD, DROP, RENAME, or MODIFY")
	}
}

// --- CREATE/DROP INDEX ---

func (p *Parser) parseCreateIndex(unique bool) (ast.Statement, error) {
	p.pos++ // INDEX
	ifNotExists := p.parseIfNotExists()

	name, err := p.parseIdentName()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("ON"); err != nil {
		return nil, err
	}
	table, err := p.parseIdentName()
	if err != nil {
		return nil, err
	}
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	var cols []string
	for {
		c, err := p.parseIdentName()
		if err != nil {
			return nil, err
		}
		cols = append(cols, c)
		if p.isSymbol(",") {
			p.pos++
			continue
		}
		break
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}

	using := ""
	if p.isKeyword("USING") {
		p.pos++
		t := p.cur()
		if t.kind != tokKeyword && t.kind != tokIdent {
			return nil, p.errUnexpected("index type")
		}
		using = strings.ToUpper(t.text)
		p.pos++
	}

	return &ast.CreateIndexStmt{Name: name, Table: table, Columns: cols, Unique: unique, IfNotExists: ifNotExists, Using: using}, nil
}

func (p *Parser) parseDropIndex() (ast.Statement, error) {
	p.pos++ // INDEX
	ifExists := p.parseIfExists()
	name, err := p.parseIdentName()
	if err != nil {
		return nil, err
	}
	table := ""
	if p.isKeyword("ON") {
		p.pos++
		table, err = p.parseIdentName()
		if err != nil {
			return nil, err
		}
	}
	return &ast.DropIndexStmt{Name: name, Table: table, IfExists: ifExists}, nil
}

// --- CREATE/DROP VIEW ---

func (p *Parser) parseCreateView() (ast.Statement, error) {
	p.pos++ // VIEW
	ifNotExists := p.parseIfNotExists()
	name, err := p.parseIdentName()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("AS"); err != nil {
		return nil, err
	}
	start := p.cur().pos
	sel, err := p.parseSelect()
	if err != nil {
		return nil, err
	}
	end := p.cur().pos
	queryText := ""
	if end > start && end <= len(p.src) {
		queryText = strings.TrimSpace(p.src[start:end])
	}
	return &ast.CreateViewStmt{Name: name, IfNotExists: ifNotExists, Query: sel, QueryText: queryText}, nil
}

func (p *Parser) parseDropView() (ast.Statement, error) {
	p.pos++ // VIEW
	ifExists := p.parseIfExists()
	name, err := p.parseIdentName()
	if err != nil {
		return nil, err
	}
	return &ast.DropViewStmt{Name: name, IfExists: ifExists}, nil
}

// --- CREATE/DROP SCHEMA ---

func (p *Parser) parseCreateSchema() (ast.Statement, error) {
	p.pos++ // SCHEMA
	ifNotExists := p.parseIfNotExists()
	name, err := p.parseIdentName()
	if err != nil {
		return nil, err
	}
	return &ast.CreateSchemaStmt{Name: name, IfNotExists: ifNotExists}, nil
}

func (p *Parser) parseDropSchema() (ast.Statement, error) {
	p.pos++ // SCHEMA
	ifExists := p.parseIfExists()
	name, err := p.parseIdentName()
	if err != nil {
		return nil, err
	}
	return &ast.DropSchemaStmt{Name: name, IfExists: ifExists}, nil
}

// --- CREATE/DROP FUNCTION / PROCEDURE ---

func (p *Parser) parseParamList() ([]ast.Param, error) {
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	var params []ast.Param
	if p.isSymbol(")") {
		p.pos++
		return params, nil
	}
	for {
		name, err := p.parseIdentName()
		if err != nil {
			return nil, err
		}
		typeName, err := p.parseTypeName()
		if err != nil {
			return nil, err
		}
		params = append(params, ast.Param{Name: name, TypeName: typeName})
		if p.isSymbol(",") {
			p.pos++
			continue
		}
		break
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return params, nil
}

func (p *Parser) parseCreateFunction(orReplace bool) (ast.Statement, error) {
	p.pos++ // FUNCTION
	schema, name, err := p.parseQualifiedName()
	if err != nil {
		return nil, err
	}
	params, err := p.parseParamList()
	if err != nil {
		return nil, err
	}
	returnType := ""
	if p.isKeyword("RETURNS") {
		p.pos++
		returnType, err = p.parseTypeName()
		if err != nil {
			return nil, err
		}
	}
	if err := p.expectKeyword("LANGUAGE"); err != nil {
		return nil, err
	}
	lang, err := p.parseIdentName()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("AS"); err != nil {
		return nil, err
	}
	code, err := p.parseStringLiteral()
	if err != nil {
		return nil, err
	}
	return &ast.CreateFunctionStmt{
		Schema: schema, Name: name, OrReplace: orReplace,
		Params: params, ReturnType: returnType, Language: lang, Code: code,
	}, nil
}

func (p *Parser) parseDropFunction() (ast.Statement, error) {
	p.pos++ // FUNCTION
	ifExists := p.parseIfExists()
	schema, name, err := p.parseQualifiedName()
	if err != nil {
		return nil, err
	}
	if p.isSymbol("(") {
		p.pos++
		for !p.isSymbol(")") {
			if p.atEOF() {
				return nil, p.errUnexpected(")")
			}
			p.pos++
		}
		p.pos++
	}
	return &ast.DropFunctionStmt{Schema: schema, Name: name, IfExists: ifExists}, nil
}

func (p *Parser) parseCreateProcedure(orReplace bool) (ast.Statement, error) {
	p.pos++ // PROCEDURE | ROUTINE
	schema, name, err := p.parseQualifiedName()
	if err != nil {
		return nil, err
	}
	params, err := p.parseParamList()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("LANGUAGE"); err != nil {
		return nil, err
	}
	lang, err := p.parseIdentName()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("AS"); err != nil {
		return nil, err
	}
	code, err := p.parseStringLiteral()
	if err != nil {
		return nil, err
	}
	return &ast.CreateProcedureStmt{
		Schema: schema, Name: name, OrReplace: orReplace,
		Params: params, Language: lang, Code: code,
	}, nil
}

func (p *Parser) parseDropProcedure() (ast.Statement, error) {
	p.pos++ // PROCEDURE | ROUTINE
	ifExists := p.parseIfExists()
	schema, name, err := p.parseQualifiedName()
	if err != nil {
		return nil, err
	}
	if p.isSymbol("(") {
		p.pos++
		for !p.isSymbol(")") {
			if p.atEOF() {
				return nil, p.errUnexpected(")")
			}
			p.pos++
		}
		p.pos++
	}
	return &ast.DropProcedureStmt{Schema: schema, Name: name, IfExists: ifExists}, nil
}

func (p *Parser) parseStringLiteral() (string, error) {
	t := p.cur()
	if t.kind != tokString {
		return "", p.errUnexpected("string literal")
	}
	p.pos++
	return t.text, nil
}

// --- CALL ---

func (p *Parser) parseCall() (ast.Statement, error) {
	p.pos++ // CALL
	_, name, err := p.parseQualifiedName()
	if err != nil {
		return nil, err
	}
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	var args []ast.Expr
	if !p.isSymbol(")") {
		for {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, e)
			if p.isSymbol(",") {
				p.pos++
				continue
			}
			break
		}
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return &ast.CallStmt{Name: name, Args: args}, nil
}

// --- SHOW / DESCRIBE ---

func (p *Parser) parseShow() (ast.Statement, error) {
	p.pos++ // SHOW
	t := p.cur()
	if t.kind != tokKeyword && t.kind != tokIdent {
		return nil, p.errUnexpected("TABLES, VIEWS, INDEXES, FUNCTIONS, PROCEDURES, or CREATE")
	}
	word := strings.ToUpper(t.text)
	p.pos++

	switch word {
	case "TABLES":
		return &ast.ShowStmt{Kind: ast.ShowTables}, nil
	case "VIEWS":
		return &ast.ShowStmt{Kind: ast.ShowViews}, nil
	case "FUNCTIONS":
		return &ast.ShowStmt{Kind: ast.ShowFunctions}, nil
	case "PROCEDURES":
		return &ast.ShowStmt{Kind: ast.ShowProcedures}, nil
	case "INDEXES":
		target := ""
		if p.isKeyword("ON") || p.isKeyword("FROM") {
			p.pos++
			name, err := p.parseIdentName()
			if err != nil {
				return nil, err
			}
			target = name
		}
		return &ast.ShowStmt{Kind: ast.ShowIndexes, Target: target}, nil
	case "CREATE":
		if p.isKeyword("TABLE") {
			p.pos++
			name, err := p.parseIdentName()
			if err != nil {
				return nil, err
			}
			return &ast.ShowStmt{Kind: ast.ShowCreateTable, Target: name}, nil
		}
		if p.isKeyword("VIEW") {
			p.pos++
			name, err := p.parseIdentName()
			if err != nil {
				return nil, err
			}
			return &ast.ShowStmt{Kind: ast.ShowCreateView, Target: name}, nil
		}
		return nil, p.errUnexpected("TABLE or VIEW")
	default:
		return nil, &errors.ParseError{Cause: fmt.Sprintf("unknown SHOW target %q", word)}
	}
}

func (p *Parser) parseDescribe() (ast.Statement, error) {
	p.pos++ // DESCRIBE
	name, err := p.parseIdentName()
	if err != nil {
		return nil, err
	}
	return &ast.DescribeStmt{Name: name}, nil
}

// --- INSERT / UPDATE / DELETE ---

func (p *Parser) parseInsert() (ast.Statement, error) {
	p.pos++ // INSERT
	if err := p.expectKeyword("INTO"); err != nil {
		return nil, err
	}
	table, err := p.parseIdentName()
	if err != nil {
		return nil, err
	}

	stmt := &ast.InsertStmt{Table: table}

	if p.isSymbol("(") {
		p.pos++
		for {
			c, err := p.parseIdentName()
			if err != nil {
				return nil, err
			}
			stmt.Columns = append(stmt.Columns, c)
			if p.isSymbol(",") {
				p.pos++
				continue
			}
			break
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
	}

	if p.isKeyword("SELECT") {
		sel, err := p.parseSelect()
		if err != nil {
			return nil, err
		}
		stmt.Select = sel
		return stmt, nil
	}

	if err := p.expectKeyword("VALUES"); err != nil {
		return nil, err
	}

	for {
		if err := p.expectSymbol("("); err != nil {
			return nil, err
		}
		var row []ast.Expr
		for {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			row = append(row, e)
			if p.isSymbol(",") {
				p.pos++
				continue
			}
			break
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
		stmt.Values = append(stmt.Values, row)
		if p.isSymbol(",") {
			p.pos++
			continue
		}
		break
	}

	return stmt, nil
}

func (p *Parser) parseUpdate() (ast.Statement, error) {
	p.pos++ // UPDATE
	table, err := p.parseIdentName()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("SET"); err != nil {
		return nil, err
	}

	stmt := &ast.UpdateStmt{Table: table}
	for {
		col, err := p.parseIdentName()
		if err != nil {
			return nil, err
		}
		if err := p.expectSymbol("="); err != nil {
			return nil, err
		}
		val, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		stmt.Set = append(stmt.Set, ast.SetClause{Column: col, Value: val})
		if p.isSymbol(",") {
			p.pos++
			continue
		}
		break
	}

	if p.isKeyword("WHERE") {
		p.pos++
		where, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		stmt.Where = where
	}

	return stmt, nil
}

func (p *Parser) parseDelete() (ast.Statement, error) {
	p.pos++ // DELETE
	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	table, err := p.parseIdentName()
	if err != nil {
		return nil, err
	}
	stmt := &ast.DeleteStmt{Table: table}
	if p.isKeyword("WHERE") {
		p.pos++
		where, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		stmt.Where = where
	}
	return stmt, nil
}

// --- SELECT ---

func (p *Parser) parseSelectStmt() (ast.Statement, error) {
	return p.parseSelect()
}

func (p *Parser) parseSelect() (*ast.SelectStmt, error) {
	if err := p.expectKeyword("SELECT"); err != nil {
		return nil, err
	}
	stmt := &ast.SelectStmt{}

	if p.isKeyword("DISTINCT") {
		p.pos++
		stmt.Distinct = true
	} else if p.isKeyword("ALL") {
		p.pos++
	}

	if p.isSymbol("*") {
		p.pos++
		stmt.Columns = append(stmt.Columns, ast.SelectItem{Expr: ast.StarExpr{}})
	} else {
		for {
			item, err := p.parseSelectItem()
			if err != nil {
				return nil, err
			}
			stmt.Columns = append(stmt.Columns, item)
			if p.isSymbol(",") {
				p.pos++
				continue
			}
			break
		}
	}

	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	from, err := p.parseTableRef()
	if err != nil {
		return nil, err
	}
	stmt.From = from

	for p.isKeyword("JOIN") || p.isKeyword("INNER") || p.isKeyword("LEFT") || p.isKeyword("RIGHT") {
		join, err := p.parseJoin()
		if err != nil {
			return nil, err
		}
		stmt.Joins = append(stmt.Joins, join)
	}

	if p.isKeyword("WHERE") {
		p.pos++
		w, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		stmt.Where = w
	}

	if p.isKeyword("GROUP") {
		p.pos++
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			stmt.GroupBy = append(stmt.GroupBy, e)
			if p.isSymbol(",") {
				p.pos++
				continue
			}
			break
		}
	}

	if p.isKeyword("HAVING") {
		p.pos++
		h, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		stmt.Having = h
	}

	if p.isKeyword("ORDER") {
		p.pos++
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			desc := false
			if p.isKeyword("ASC") {
				p.pos++
			} else if p.isKeyword("DESC") {
				p.pos++
				desc = true
			}
			stmt.OrderBy = append(stmt.OrderBy, ast.OrderItem{Expr: e, Desc: desc})
			if p.isSymbol(",") {
				p.pos++
				continue
			}
			break
		}
	}

	if p.isKeyword("LIMIT") {
		p.pos++
		n, err := p.parseIntLiteral()
		if err != nil {
			return nil, err
		}
		stmt.Limit = &n
	}

	if p.isKeyword("OFFSET") {
		p.pos++
		n, err := p.parseIntLiteral()
		if err != nil {
			return nil, err
		}
		stmt.Offset = &n
	}

	return stmt, nil
}

func (p *Parser) parseIntLiteral() (int64, error) {
	t := p.cur()
	if t.kind != tokNumber {
		return 0, p.errUnexpected("number")
	}
	p.pos++
	n, err := strconv.ParseInt(t.text, 10, 64)
	if err != nil {
		return 0, &errors.ParseError{Cause: err.Error()}
	}
	return n, nil
}

func (p *Parser) parseSelectItem() (ast.SelectItem, error) {
	e, err := p.parseExpr()
	if err != nil {
		return ast.SelectItem{}, err
	}
	alias := ""
	if p.isKeyword("AS") {
		p.pos++
		alias, err = p.parseIdentName()
		if err != nil {
			return ast.SelectItem{}, err
		}
	} else if p.isIdent() {
		alias, err = p.parseIdentName()
		if err != nil {
			return ast.SelectItem{}, err
		}
	}
	return ast.SelectItem{Expr: e, Alias: alias}, nil
}

func (p *Parser) parseTableRef() (ast.TableRef, error) {
	schema, name, err := p.parseQualifiedName()
	if err != nil {
		return ast.TableRef{}, err
	}
	ref := ast.TableRef{Schema: schema, Name: name}
	if p.isKeyword("AS") {
		p.pos++
		alias, err := p.parseIdentName()
		if err != nil {
			return ast.TableRef{}, err
		}
		ref.Alias = alias
	} else if p.isIdent() {
		alias, err := p.parseIdentName()
		if err != nil {
			return ast.TableRef{}, err
		}
		ref.Alias = alias
	}
	return ref, nil
}

func (p *Parser) parseJoin() (ast.Join, error) {
	jt := ast.InnerJoin
	switch {
	case p.isKeyword("INNER"):
		p.pos++
	case p.isKeyword("LEFT"):
		p.pos++
		jt = ast.LeftJoin
	case p.isKeyword("RIGHT"):
		p.pos++
		jt = ast.RightJoin
	}
	if err := p.expectKeyword("JOIN"); err != nil {
		return ast.Join{}, err
	}
	ref, err := p.parseTableRef()
	if err != nil {
		return ast.Join{}, err
	}
	if err := p.expectKeyword("ON"); err != nil {
		return ast.Join{}, err
	}
	on, err := p.parseExpr()
	if err != nil {
		return ast.Join{}, err
	}
	return ast.Join{Type: jt, Table: ref, On: on}, nil
}

// --- Expressions (precedence-climbing recursive descent) ---
//
// parseExpr -> OR -> AND -> NOT -> comparison -> additive -> multiplicative
// -> unary -> primary

func (p *Parser) parseExpr() (ast.Expr, error) {
	return p.parseOr()
}

func (p *Parser) parseOr() (ast.Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("OR") {
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &ast.BinaryExpr{Op: "OR", Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseAnd() (ast.Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("AND") {
		p.pos++
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &ast.BinaryExpr{Op: "AND", Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseNot() (ast.Expr, error) {
	if p.isKeyword("NOT") {
		p.pos++
		e, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &ast.UnaryExpr{Op: "NOT", Expr: e}, nil
	}
	return p.parseComparison()
}

func (p *Parser) parseComparison() (ast.Expr, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}

	for {
		switch {
		case p.isSymbol("=") || p.isSymbol("<>") || p.isSymbol("<") ||
			p.isSymbol("<=") || p.isSymbol(">") || p.isSymbol(">="):
			op := p.cur().text
			p.pos++
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			left = &ast.BinaryExpr{Op: op, Left: left, Right: right}

		case p.isKeyword("LIKE"):
			p.pos++
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			left = &ast.BinaryExpr{Op: "LIKE", Left: left, Right: right}

		case p.isKeyword("IS"):
			p.pos++
			negate := false
			if p.isKeyword("NOT") {
				p.pos++
				negate = true
			}
			if err := p.expectKeyword("NULL"); err != nil {
				return nil, err
			}
			left = &ast.IsNullExpr{Expr: left, Negate: negate}

		case p.isKeyword("BETWEEN"):
			p.pos++
			low, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			if err := p.expectKeyword("AND"); err != nil {
				return nil, err
			}
			high, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			left = &ast.BetweenExpr{Expr: left, Low: low, High: high}

		case p.isKeyword("NOT"):
			save := p.pos
			p.pos++
			switch {
			case p.isKeyword("IN"):
				p.pos++
				list, sub, err := p.parseInList()
				if err != nil {
					return nil, err
				}
				left = &ast.InExpr{Expr: left, List: list, Negate: true, Subquery: sub}
			case p.isKeyword("BETWEEN"):
				p.pos++
				low, err := p.parseAdditive()
				if err != nil {
					return nil, err
				}
				if err := p.expectKeyword("AND"); err != nil {
					return nil, err
				}
				high, err := p.parseAdditive()
				if err != nil {
					return nil, err
				}
				left = &ast.BetweenExpr{Expr: left, Low: low, High: high, Negate: true}
			case p.isKeyword("LIKE"):
				p.pos++
				right, err := p.parseAdditive()
				if err != nil {
					return nil, err
				}
				left = &ast.UnaryExpr{Op: "NOT", Expr: &ast.BinaryExpr{Op: "LIKE", Left: left, Right: right}}
			default:
				p.pos = save
				return left, nil
			}

		case p.isKeyword("IN"):
			p.pos++
			list, sub, err := p.parseInList()
			if err != nil {
				return nil, err
			}
			left = &ast.InExpr{Expr: left, List: list, Subquery: sub}

		default:
			return left, nil
		}
	}
}

func (p *Parser) parseInList() ([]ast.Expr, *ast.SelectStmt, error) {
	if err := p.expectSymbol("("); err != nil {
		return nil, nil, err
	}
	if p.isKeyword("SELECT") {
		sub, err := p.parseSelect()
		if err != nil {
			return nil, nil, err
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, nil, err
		}
		return nil, sub, nil
	}
	var list []ast.Expr
	for {
		e, err := p.parseExpr()
		if err != nil {
			return nil, nil, err
		}
		list = append(list, e)
		if p.isSymbol(",") {
			p.pos++
			continue
		}
		break
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, nil, err
	}
	return list, nil, nil
}

func (p *Parser) parseAdditive() (ast.Expr, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.isSymbol("+") || p.isSymbol("-") {
		op := p.cur().text
		p.pos++
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &ast.BinaryExpr{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseMultiplicative() (ast.Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.isSymbol("*") || p.isSymbol("/") || p.isSymbol("%") {
		op := p.cur().text
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &ast.BinaryExpr{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseUnary() (ast.Expr, error) {
	if p.isSymbol("-") {
		p.pos++
		e, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &ast.UnaryExpr{Op: "-", Expr: e}, nil
	}
	return p.parsePrimary()
}

func (p *Parser) parsePrimary() (ast.Expr, error) {
	t := p.cur()

	switch t.kind {
	case tokNumber:
		p.pos++
		if strings.Contains(t.text, ".") {
			f, err := strconv.ParseFloat(t.text, 64)
			if err != nil {
				return nil, &errors.ParseError{Cause: err.Error()}
			}
			return ast.LiteralExpr{Value: types.NewFloat(f)}, nil
		}
		n, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, &errors.ParseError{Cause: err.Error()}
		}
		return ast.LiteralExpr{Value: types.NewInteger(n)}, nil

	case tokString:
		p.pos++
		return ast.LiteralExpr{Value: types.NewText(t.text)}, nil

	case tokParam:
		p.pos++
		n, err := strconv.Atoi(t.text)
		if err != nil {
			return nil, &errors.ParseError{Cause: err.Error()}
		}
		return ast.ParamExpr{Index: n}, nil

	case tokQMark:
		p.pos++
		return ast.ParamExpr{Index: -1}, nil // no position assigned; eval rejects it as an unbound parameter

	case tokStar:
		p.pos++
		return ast.StarExpr{}, nil
	}

	if p.isSymbol("(") {
		p.pos++
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
		return e, nil
	}

	if p.isKeyword("TRUE") {
		p.pos++
		return ast.LiteralExpr{Value: types.NewBoolean(true)}, nil
	}
	if p.isKeyword("FALSE") {
		p.pos++
		return ast.LiteralExpr{Value: types.NewBoolean(false)}, nil
	}
	if p.isKeyword("NULL") {
		p.pos++
		return ast.LiteralExpr{Value: types.NewNull(types.NullType)}, nil
	}

	if p.isKeyword("CASE") {
		return p.parseCase()
	}

	if t.kind == tokIdent || (t.kind == tokKeyword && isFunctionKeyword(t.text)) {
		return p.parseIdentOrCall()
	}

	return nil, p.errUnexpected("expression")
}

func isFunctionKeyword(kw string) bool {
	switch kw {
	case "COUNT", "SUM", "AVG", "MIN", "MAX":
		return true
	}
	return false
}

func (p *Parser) parseCase() (ast.Expr, error) {
	p.pos++ // CASE
	expr := &ast.CaseExpr{}
	if !p.isKeyword("WHEN") {
		operand, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		expr.Operand = operand
	}
	for p.isKeyword("WHEN") {
		p.pos++
		when, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("THEN"); err != nil {
			return nil, err
		}
		then, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		expr.Whens = append(expr.Whens, ast.CaseWhen{When: when, Then: then})
	}
	if p.isKeyword("ELSE") {
		p.pos++
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		expr.Else = e
	}
	if err := p.expectKeyword("END"); err != nil {
		return nil, err
	}
	return expr, nil
}

func (p *Parser) parseIdentOrCall() (ast.Expr, error) {
	name, err := p.parseIdentName2()
	if err != nil {
		return nil, err
	}

	if p.isSymbol(".") {
		p.pos++
		if p.isSymbol("*") {
			p.pos++
			return ast.StarExpr{Table: name}, nil
		}
		col, err := p.parseIdentName()
		if err != nil {
			return nil, err
		}
		return ast.ColumnExpr{Table: name, Name: col}, nil
	}

	if p.isSymbol("(") {
		p.pos++
		call := &ast.FunctionCallExpr{Name: strings.ToUpper(name)}
		if p.isKeyword("DISTINCT") {
			p.pos++
			call.Distinct = true
		}
		if p.isSymbol("*") {
			p.pos++
			call.Star = true
		} else if !p.isSymbol(")") {
			for {
				e, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				call.Args = append(call.Args, e)
				if p.isSymbol(",") {
					p.pos++
					continue
				}
				break
			}
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}

		if p.isKeyword("OVER") {
			p.pos++
			if err := p.expectSymbol("("); err != nil {
				return nil, err
			}
			win := &ast.WindowExpr{Func: call}
			if p.isKeyword("PARTITION") {
				p.pos++
				if err := p.expectKeyword("BY"); err != nil {
					return nil, err
				}
				for {
					e, err := p.parseExpr()
					if err != nil {
						return nil, err
					}
					win.PartitionBy = append(win.PartitionBy, e)
					if p.isSymbol(",") {
						p.pos++
						continue
					}
					break
				}
			}
			if p.isKeyword("ORDER") {
				p.pos++
				if err := p.expectKeyword("BY"); err != nil {
					return nil, err
				}
				for {
					e, err := p.parseExpr()
					if err != nil {
						return nil, err
					}
					desc := false
					if p.isKeyword("ASC") {
						p.pos++
					} else if p.isKeyword("DESC") {
						p.pos++
						desc = true
					}
					win.OrderBy = append(win.OrderBy, ast.OrderItem{Expr: e, Desc: desc})
					if p.isSymbol(",") {
						p.pos++
						continue
					}
					break
				}
			}
			if err := p.expectSymbol(")"); err != nil {
				return nil, err
			}
			return win, nil
		}

		return call, nil
	}

	return ast.ColumnExpr{Name: name}, nil
}

// parseIdentName2 accepts an identifier or one of the soft function-name
// keywords (COUNT/SUM/AVG/MIN/MAX) as a bare name.
func (p *Parser) parseIdentName2() (string, error) {
	t := p.cur()
	if t.kind == tokIdent || (t.kind == tokKeyword && isFunctionKeyword(t.text)) {
		p.pos++
		return t.text, nil
	}
	return "", p.errUnexpected("identifier")
}
