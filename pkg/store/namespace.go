package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const metaName = "__META__"

var (
	// ErrBadName is returned for namespace names containing ':'.
	ErrBadName = errors.New("namespace name must not contain ':'")
	// ErrBadKey is returned when a key is not an atomic type.
	ErrBadKey = errors.New("key must be a string or integer")
)

// Namespace is a named, versioned subpartition of a DB. Keys are encoded as
// "{name}.v{version}:{prefix}{key}" so that namespaces share one backing
// store without colliding. Values are serialized as JSON.
type Namespace struct {
	db      *DB
	name    string
	version int
	prefix  string
}

// NewNamespace returns the namespace (name, version) on db and registers it
// in the meta table.
func NewNamespace(db *DB, name string, version int) (*Namespace, error) {
	if strings.Contains(name, ":") {
		return nil, ErrBadName
	}
	ns := &Namespace{db: db, name: name, version: version}
	if name != metaName {
		err := db.metaNamespace().Put(name, NamespaceInfo{Name: name, Version: version})
		if err != nil {
			return nil, fmt.Errorf("failed to register namespace %s: %v", name, err)
		}
	}
	return ns, nil
}

// Subspace returns a child namespace whose keys extend this one's prefix.
// The name is wrapped in '\x00' separators so that sibling subspaces with
// overlapping names ("alpha", "alphabet") cannot leak into each other's
// prefix iteration.
func (ns *Namespace) Subspace(name string) *Namespace {
	return &Namespace{
		db:      ns.db,
		name:    ns.name,
		version: ns.version,
		prefix:  ns.prefix + "\x00" + name + "\x00",
	}
}

// Name returns the namespace name.
func (ns *Namespace) Name() string {
	return ns.name
}

func formatKey(key any) (string, error) {
	switch k := key.(type) {
	case string:
		return k, nil
	case int:
		return fmt.Sprintf("%d", k), nil
	case int64:
		return fmt.Sprintf("%d", k), nil
	case uint64:
		return fmt.Sprintf("%d", k), nil
	default:
		return "", fmt.Errorf("%w, was %T", ErrBadKey, key)
	}
}

func (ns *Namespace) encodeKey(key string) []byte {
	return []byte(fmt.Sprintf("%s.v%d:%s%s", ns.name, ns.version, ns.prefix, key))
}

// decodeKey strips the namespace envelope from an internal key.
func (ns *Namespace) decodeKey(internal []byte) string {
	s := string(internal)
	i := strings.Index(s, ":")
	return s[i+1+len(ns.prefix):]
}

func encodeValue(value any) ([]byte, error) {
	return json.Marshal(value)
}

func decodeValue(raw []byte, out any) error {
	return json.Unmarshal(raw, out)
}

// Put stores value under key. The key must be a string or integer.
func (ns *Namespace) Put(key, value any) error {
	k, err := formatKey(key)
	if err != nil {
		return err
	}
	raw, err := encodeValue(value)
	if err != nil {
		return fmt.Errorf("failed to serialize value for %s: %v", k, err)
	}
	return ns.db.ldb.Put(ns.encodeKey(k), raw, nil)
}

// Get loads the value stored under key into out. The second return is false
// when the key is absent.
func (ns *Namespace) Get(key, out any) (bool, error) {
	k, err := formatKey(key)
	if err != nil {
		return false, err
	}
	raw, err := ns.db.ldb.Get(ns.encodeKey(k), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := decodeValue(raw, out); err != nil {
		return false, fmt.Errorf("failed to decode value for %s: %v", k, err)
	}
	return true, nil
}

// Contains reports whether key is present.
func (ns *Namespace) Contains(key any) (bool, error) {
	k, err := formatKey(key)
	if err != nil {
		return false, err
	}
	return ns.db.ldb.Has(ns.encodeKey(k), nil)
}

// Delete removes key. Deleting an absent key is not an error.
func (ns *Namespace) Delete(key any) error {
	k, err := formatKey(key)
	if err != nil {
		return err
	}
	return ns.db.ldb.Delete(ns.encodeKey(k), nil)
}

// ForEach iterates every key in the namespace in lexicographic order,
// passing the stripped key and raw serialized value to fn. Returning an
// error from fn stops the iteration.
func (ns *Namespace) ForEach(fn func(key string, raw []byte) error) error {
	rangePrefix := []byte(fmt.Sprintf("%s.v%d:%s", ns.name, ns.version, ns.prefix))
	iter := ns.db.ldb.NewIterator(util.BytesPrefix(rangePrefix), nil)
	defer iter.Release()
	for iter.Next() {
		raw := make([]byte, len(iter.Value()))
		copy(raw, iter.Value())
		if err := fn(ns.decodeKey(iter.Key()), raw); err != nil {
			return err
		}
	}
	return iter.Error()
}

// List returns all keys in the namespace, sorted.
func (ns *Namespace) List() ([]string, error) {
	var keys []string
	err := ns.ForEach(func(key string, raw []byte) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// GetRaw returns the raw serialized value for key, for callers that defer
// decoding (kvop passes values through untouched).
func (ns *Namespace) GetRaw(key any) (json.RawMessage, bool, error) {
	k, err := formatKey(key)
	if err != nil {
		return nil, false, err
	}
	raw, err := ns.db.ldb.Get(ns.encodeKey(k), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return json.RawMessage(raw), true, nil
}

// PutRaw stores an already-serialized JSON value under key.
func (ns *Namespace) PutRaw(key any, raw json.RawMessage) error {
	k, err := formatKey(key)
	if err != nil {
		return err
	}
	if !json.Valid(raw) {
		return fmt.Errorf("value for %s is not valid JSON", k)
	}
	return ns.db.ldb.Put(ns.encodeKey(k), raw, nil)
}
