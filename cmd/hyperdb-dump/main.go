// hyperdb-dump prints raw entries from an embedded badger or pebble
// store, for poking at the n:/j:/c: key layout when debugging a
// tracker database. The database must not be open elsewhere.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/roundup-tracker/hyperdb/pkg/storage"
)

func main() {
	dir := flag.String("dir", "", "badger or pebble directory")
	engine := flag.String("engine", "pebble", "engine: badger or pebble")
	prefix := flag.String("prefix", "", "key prefix, e.g. n:issue:")
	flag.Parse()

	if *dir == "" {
		log.Fatal("-dir is required")
	}

	var (
		kv  storage.KV
		err error
	)
	switch *engine {
	case "badger":
		kv, err = storage.OpenBadger(*dir)
	case "pebble":
		kv, err = storage.OpenPebble(*dir)
	default:
		log.Fatalf("unknown engine %q", *engine)
	}
	if err != nil {
		log.Fatal(err)
	}

	err = kv.Scan([]byte(*prefix), func(key, value []byte) error {
		fmt.Printf("%s %s\n", key, value)
		return nil
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := kv.Close(); err != nil {
		log.Fatal(err)
	}
}
