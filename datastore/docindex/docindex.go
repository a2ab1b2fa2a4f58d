// Package docindex implements the document metadata index on LevelDB.
// Records are CBOR-encoded documents without content; the content bytes live in
// the content store and are referenced by Document.StorageRef.
package docindex

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	log "github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"docmesh/datamodel/document"
	"docmesh/oid"
)

const keyPrefixDoc = "DOC" // Document metadata indexed by OID. Followed by textual OID representation

var ErrCorrupted = fmt.Errorf("corrupted")

type Index struct {
	path string
	mu   sync.Mutex
	db   *leveldb.DB
}

func New(path string) (*Index, error) {
	opts := &opt.Options{
		Compression: opt.NoCompression,
	}

	// Open or create the new DB
	db, err := leveldb.OpenFile(path, opts)
	if errors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(path, nil)
	}

	if err != nil {
		return nil, err
	}

	log.Infof("Opened document index at %s", path)

	return &Index{
		path: path,
		db:   db,
	}, nil
}

func keyFromOid(id *oid.Oid) []byte {
	return append([]byte(keyPrefixDoc), []byte(id.String())...)
}

func (i *Index) Get(id *oid.Oid) (*document.Document, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	raw, err := i.db.Get(keyFromOid(id), nil)
	if err != nil {
		if err == errors.ErrNotFound {
			return nil, document.ErrNotFound
		}
		return nil, err
	}

	doc := &document.Document{}
	if err := cbor.Unmarshal(raw, doc); err != nil {
		return nil, err
	}

	// Compare the OID just in case
	if !doc.ID.Equal(id) {
		log.Errorf("Get: document ID mismatch: %s != %s", id.String(), doc.ID.String())
		return nil, ErrCorrupted
	}

	return doc, nil
}

// Put stores or updates a document record. Writing an unchanged record is a no-op.
func (i *Index) Put(doc *document.Document) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	key := keyFromOid(&doc.ID)

	raw, err := i.db.Get(key, nil)
	if err != nil && err != errors.ErrNotFound {
		return err
	}
	if err == nil {
		existing := &document.Document{}
		if err := cbor.Unmarshal(raw, existing); err == nil && document.IsEqual(existing, doc) {
			log.Debugf("Put: document %s is unchanged, skipping update", doc.ID.String())
			return nil
		}
	}

	raw, err = cbor.Marshal(doc)
	if err != nil {
		return err
	}
	return i.db.Put(key, raw, nil)
}

// Manifest enumerates all records into an ordered manifest.
func (i *Index) Manifest() (document.Manifest, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	var manifest document.Manifest

	iter := i.db.NewIterator(util.BytesPrefix([]byte(keyPrefixDoc)), nil)
	defer iter.Release()

	for iter.Next() {
		doc := &document.Document{}
		if err := cbor.Unmarshal(iter.Value(), doc); err != nil {
			return nil, err
		}
		manifest = append(manifest, doc.Ref())
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	manifest.Sort()
	return manifest, nil
}

func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.db.Close()
}
