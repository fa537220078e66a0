// Package strata is an embedded, versioned, transactional object-store
// database engine. It provides the IndexedDB-style contract in Go:
// named databases carry a schema version; opening at a higher version
// runs an exclusive upgrade callback inside a versionchange transaction;
// data access happens through scoped transactions that a scheduler
// serializes whenever their scopes conflict; transactions auto-commit
// once their last request settles and its result has been read.
//
// Physical storage is pluggable behind the backend package. Three
// reference backends ship with the engine: backend/memory for tests and
// development, backend/bolt (one bbolt file per database), and
// backend/sqlite (one SQLite file per database, WAL mode).
//
// A minimal session:
//
//	f, _ := strata.New(strata.WithDriver(memory.New()))
//	defer f.Close()
//
//	db, _ := f.Open("shop", 1, strata.WithUpgrade(
//		func(oldVersion, newVersion uint64, db *strata.Database, txn *strata.Transaction) error {
//			_, err := db.CreateObjectStore("orders", strata.StoreOptions{AutoIncrement: true})
//			return err
//		},
//	)).Await(ctx)
//	defer db.Close()
//
//	txn, _ := db.Transaction([]string{"orders"}, strata.ReadWrite)
//	orders, _ := txn.ObjectStore("orders")
//	req, _ := orders.Add(map[string]any{"total": 9.99}, nil)
//	key, _ := req.Await(ctx)
package strata
