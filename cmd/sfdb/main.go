// sfdb is an admin CLI for the snapfaas KV environment.
//
// Commands:
//
//	sfdb get <key>                 Print the value stored under key
//	sfdb put <key> <value>         Store value under key
//	sfdb put <key> -               Store stdin under key
//	sfdb del <key>                 Delete key
//	sfdb scan [from]               List keys in order, starting at from
//
// The environment directory defaults to ./storage; set SNAPFAAS_STORAGE to
// override. Use -db <name> before the command to target a named keyspace.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sampalekos96/snapfaas/internal/store"
)

func main() {
	args := os.Args[1:]

	db := store.DefaultDB()
	if len(args) >= 2 && args[0] == "-db" {
		db = store.NamedDB(args[1])
		args = args[2:]
	}

	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	path := os.Getenv("SNAPFAAS_STORAGE")
	if path == "" {
		path = store.DefaultPath
	}
	env, err := store.Open(path)
	if err != nil {
		fatal(err)
	}
	defer env.Close()

	switch args[0] {
	case "get":
		if len(args) != 2 {
			usage()
			os.Exit(2)
		}
		cmdGet(env, db, args[1])
	case "put":
		if len(args) != 3 {
			usage()
			os.Exit(2)
		}
		cmdPut(env, db, args[1], args[2])
	case "del":
		if len(args) != 2 {
			usage()
			os.Exit(2)
		}
		cmdDel(env, db, args[1])
	case "scan":
		from := ""
		if len(args) > 1 {
			from = args[1]
		}
		cmdScan(env, db, from)
	default:
		usage()
		os.Exit(2)
	}
}

func cmdGet(env *store.Env, db store.DB, key string) {
	txn, err := env.BeginRo()
	if err != nil {
		fatal(err)
	}
	defer txn.Commit()
	v, ok := txn.Get(db, []byte(key))
	if !ok {
		fmt.Fprintf(os.Stderr, "key %q not found\n", key)
		os.Exit(1)
	}
	os.Stdout.Write(v)
	fmt.Println()
}

func cmdPut(env *store.Env, db store.DB, key, value string) {
	data := []byte(value)
	if value == "-" {
		var err error
		data, err = io.ReadAll(os.Stdin)
		if err != nil {
			fatal(err)
		}
	}
	txn, err := env.BeginRw()
	if err != nil {
		fatal(err)
	}
	if err := txn.Put(db, []byte(key), data); err != nil {
		txn.Discard()
		fatal(err)
	}
	if err := txn.Commit(); err != nil {
		fatal(err)
	}
}

func cmdDel(env *store.Env, db store.DB, key string) {
	txn, err := env.BeginRw()
	if err != nil {
		fatal(err)
	}
	if err := txn.Delete(db, []byte(key)); err != nil {
		txn.Discard()
		fatal(err)
	}
	if err := txn.Commit(); err != nil {
		fatal(err)
	}
}

func cmdScan(env *store.Env, db store.DB, from string) {
	txn, err := env.BeginRo()
	if err != nil {
		fatal(err)
	}
	defer txn.Commit()
	cur := txn.Cursor(db, []byte(from))
	defer cur.Release()
	for {
		k, ok := cur.Next()
		if !ok {
			return
		}
		fmt.Printf("%s\n", k)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: sfdb [-db <name>] <command>

  get <key>            print the value stored under key
  put <key> <value>    store value under key ("-" reads stdin)
  del <key>            delete key
  scan [from]          list keys in order`)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
