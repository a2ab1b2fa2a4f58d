// Package docstore composes the LevelDB metadata index and the flat-file
// content store into the document.Store collaborator used by the sync engine.
package docstore

import (
	"fmt"

	"docmesh/datamodel/document"
	"docmesh/datastore/contentfs"
	"docmesh/datastore/docindex"
	"docmesh/oid"
)

// Do an indirection to make sure Store implements the required interface
var _ document.Store = (*Store)(nil)

type Store struct {
	index   *docindex.Index
	content *contentfs.ContentFS
}

func Open(indexPath string, contentPath string) (*Store, error) {
	index, err := docindex.New(indexPath)
	if err != nil {
		return nil, err
	}

	content, err := contentfs.New(contentPath)
	if err != nil {
		index.Close()
		return nil, err
	}

	return &Store{index: index, content: content}, nil
}

func (s *Store) GetManifest() (document.Manifest, error) {
	return s.index.Manifest()
}

func (s *Store) GetDocument(id *oid.Oid) (*document.Document, error) {
	doc, err := s.index.Get(id)
	if err != nil {
		return nil, err
	}

	if doc.StorageRef != "" {
		data, err := s.content.Get(doc.StorageRef)
		if err != nil {
			return nil, fmt.Errorf("docstore: failed to load content %s for %s: %w", doc.StorageRef, id.String(), err)
		}
		doc.Content = data
	}
	return doc, nil
}

// SaveDocument writes the content bytes to the content store and the metadata
// record (content stripped, StorageRef set) to the index. The index skips
// unchanged records, which keeps repeated saves of the same revision a no-op.
func (s *Store) SaveDocument(doc *document.Document) error {
	record := doc.Clone()

	if len(record.Content) > 0 {
		ref, err := s.content.Put(record.Content)
		if err != nil {
			return fmt.Errorf("docstore: failed to store content for %s: %w", record.ID.String(), err)
		}
		record.StorageRef = ref
		record.Size = uint64(len(record.Content))
		record.Content = nil
	}

	return s.index.Put(record)
}

func (s *Store) Close() error {
	if err := s.index.Close(); err != nil {
		return err
	}
	return s.content.Close()
}
