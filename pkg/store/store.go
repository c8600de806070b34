package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
)

// DB wraps a single leveldb instance shared by every namespace carved out of
// the same on-disk path.
type DB struct {
	path string
	ldb  *leveldb.DB

	mu   sync.Mutex
	meta *Namespace
}

var (
	openMu sync.Mutex
	opened = make(map[string]*DB)
)

// Open returns the DB stored at path, creating it if necessary. Calls with
// the same path share one leveldb handle.
func Open(path string) (*DB, error) {
	openMu.Lock()
	defer openMu.Unlock()

	if db, ok := opened[path]; ok {
		return db, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %v", err)
	}

	ldb, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb at %s: %v", path, err)
	}

	db := &DB{path: path, ldb: ldb}
	opened[path] = db
	return db, nil
}

// Close closes the underlying leveldb handle and drops the path from the
// shared registry.
func (db *DB) Close() error {
	openMu.Lock()
	delete(opened, db.path)
	openMu.Unlock()
	return db.ldb.Close()
}

// Path returns the on-disk path of the store.
func (db *DB) Path() string {
	return db.path
}

func (db *DB) metaNamespace() *Namespace {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.meta == nil {
		db.meta = &Namespace{db: db, name: metaName, version: 0}
	}
	return db.meta
}

// NamespaceInfo describes a namespace registered in the meta table.
type NamespaceInfo struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}

// ListNamespaces returns every non-meta namespace ever created on db.
func ListNamespaces(db *DB) ([]NamespaceInfo, error) {
	var infos []NamespaceInfo
	err := db.metaNamespace().ForEach(func(key string, raw []byte) error {
		var info NamespaceInfo
		if err := decodeValue(raw, &info); err != nil {
			return err
		}
		infos = append(infos, info)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return infos, nil
}
