// Package query evaluates read-only JavaScript queries against a snapshot of
// the store. The script sees a single `db` object bound to a read-only
// transaction; writes are structurally impossible. Runaway scripts are cut
// off by a wall-clock interrupt.
package query

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/sampalekos96/snapfaas/internal/store"
)

// Timeout is the evaluation budget for one query.
const Timeout = 500 * time.Millisecond

// ErrTimeout is returned when a query exceeds its budget.
var ErrTimeout = errors.New("query timed out")

// Run evaluates src with `db` bound to txn's view of db, and returns the
// result as JSON wrapped in {"results": ...}.
func Run(src string, txn *store.RoTxn, db store.DB) (json.RawMessage, error) {
	rt := goja.New()

	obj := rt.NewObject()
	obj.Set("get", func(key string) goja.Value {
		v, ok := txn.Get(db, []byte(key))
		if !ok {
			return goja.Null()
		}
		return rt.ToValue(string(v))
	})
	obj.Set("getJSON", func(key string) goja.Value {
		v, ok := txn.Get(db, []byte(key))
		if !ok {
			return goja.Null()
		}
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			return goja.Null()
		}
		return rt.ToValue(decoded)
	})
	obj.Set("cursor", func(from string) goja.Value {
		cur := txn.Cursor(db, []byte(from))
		// Iterator function: each call yields the next key, null when done.
		return rt.ToValue(func() goja.Value {
			k, ok := cur.Next()
			if !ok {
				cur.Release()
				return goja.Null()
			}
			return rt.ToValue(string(k))
		})
	})
	rt.Set("db", obj)

	timer := time.AfterFunc(Timeout, func() { rt.Interrupt(ErrTimeout) })
	defer timer.Stop()

	val, err := rt.RunString(src)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("evaluate query: %w", err)
	}

	results, err := json.Marshal(map[string]any{"results": val.Export()})
	if err != nil {
		return nil, fmt.Errorf("encode query result: %w", err)
	}
	return results, nil
}
