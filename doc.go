// Package tidekv is an embedded key-value storage engine organized as a
// log-structured merge tree (LSM-tree). See the pager, recordcodec,
// memtable, wal, sstable, and compactor packages for the layers this
// package orchestrates; Engine is the single entry point callers use.
//
// A minimal usage:
//
//	e, err := tidekv.Open("/var/lib/mydb", 10_000, 300)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer e.Close()
//
//	if err := e.Put([]byte("hello"), []byte("world")); err != nil {
//		log.Fatal(err)
//	}
//	value, found, err := e.Get([]byte("hello"))
package tidekv
