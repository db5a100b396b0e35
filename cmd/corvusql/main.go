// corvusql is a minimal line-oriented REPL over pkg/corvus: one statement
// per line, read from stdin until EOF or "exit".
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/corvusdb/corvus/pkg/corvus"
)

func main() {
	url := "memory://"
	if len(os.Args) > 1 {
		url = os.Args[1]
	}

	db, err := corvus.Open(url, corvus.Options{})
	if err != nil {
		fmt.Fprintln(os.Stderr, "open failed:", err)
		os.Exit(1)
	}
	defer db.Close()

	fmt.Printf("corvusql connected to %s\n", url)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("corvus> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}
		run(db, line)
	}
}

func run(db *corvus.Database, sql string) {
	upper := strings.ToUpper(strings.TrimSpace(sql))
	switch {
	case strings.HasPrefix(upper, "SELECT"), strings.HasPrefix(upper, "SHOW"), strings.HasPrefix(upper, "DESCRIBE"):
		rows, err := db.Query(sql, nil)
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		printRows(rows)
	default:
		n, err := db.Execute(sql, nil)
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		fmt.Printf("ok (%d rows affected)\n", n)
	}
}

func printRows(rows *corvus.Rows) {
	fmt.Println(strings.Join(rows.Columns(), "\t"))
	count := 0
	for rows.Next() {
		row := rows.Row()
		parts := make([]string, row.Len())
		for i := range parts {
			parts[i] = row.At(i).String()
		}
		fmt.Println(strings.Join(parts, "\t"))
		count++
	}
	fmt.Printf("(%d rows)\n", count)
}
