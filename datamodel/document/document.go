package document

import (
	"crypto/sha256"
	"errors"
	"reflect"
	"sort"
	"time"

	"docmesh/oid"
)

var ErrNotFound = errors.New("document not found")

// Document is a versioned unit of synchronization. Version numbers only increase,
// the content hash identifies the actual bytes. Two nodes editing the same document
// independently can arrive at equal versions with different hashes, which is the
// true-conflict case handled by the syncer.
type Document struct {
	ID         oid.Oid    `cbor:"1,keyasint"`
	Version    uint64     `cbor:"2,keyasint,omitempty"`
	Hash       []byte     `cbor:"3,keyasint,omitempty"`
	Size       uint64     `cbor:"4,keyasint,omitempty"`
	StorageRef string     `cbor:"5,keyasint,omitempty"`
	Content    []byte     `cbor:"6,keyasint,omitempty"`
	CreatedBy  oid.Oid    `cbor:"7,keyasint,omitempty"`
	CreatedAt  time.Time  `cbor:"8,keyasint,omitempty"`
	UpdatedAt  time.Time  `cbor:"9,keyasint,omitempty"`
	Conflicts  []Conflict `cbor:"10,keyasint,omitempty"`
}

// Conflict preserves a superseded remote revision for later reconciliation.
type Conflict struct {
	Content    []byte    `cbor:"1,keyasint,omitempty"`
	Hash       []byte    `cbor:"2,keyasint,omitempty"`
	Version    uint64    `cbor:"3,keyasint,omitempty"`
	SourceNode oid.Oid   `cbor:"4,keyasint,omitempty"`
	UpdatedAt  time.Time `cbor:"5,keyasint,omitempty"`
	RecordedAt time.Time `cbor:"6,keyasint,omitempty"`
}

// VersionRef is one manifest entry. The hash is advisory: when both sides announce
// a hash for an equal version, a mismatch marks the document for a deeper check.
type VersionRef struct {
	DocID   oid.Oid `cbor:"1,keyasint"`
	Version uint64  `cbor:"2,keyasint,omitempty"`
	Hash    []byte  `cbor:"3,keyasint,omitempty"`
}

// Manifest is a node's view of the document set at a point in time, ordered by document ID.
type Manifest []VersionRef

func (m Manifest) Sort() {
	sort.Slice(m, func(i, j int) bool {
		return m[i].DocID.String() < m[j].DocID.String()
	})
}

func (m Manifest) ToMap() map[oid.Oid]VersionRef {
	out := make(map[oid.Oid]VersionRef, len(m))
	for _, ref := range m {
		out[ref.DocID] = ref
	}
	return out
}

// HashContent computes the content hash used in Document.Hash and VersionRef.Hash.
func HashContent(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func (d *Document) Clone() *Document {
	out := *d
	out.Hash = append([]byte(nil), d.Hash...)
	out.Content = append([]byte(nil), d.Content...)
	out.Conflicts = append([]Conflict(nil), d.Conflicts...)
	return &out
}

func (d *Document) Ref() VersionRef {
	return VersionRef{
		DocID:   d.ID,
		Version: d.Version,
		Hash:    append([]byte(nil), d.Hash...),
	}
}

func IsEqual(a *Document, b *Document) bool {
	return reflect.DeepEqual(a, b)
}

// Store is the persistence collaborator used by the sync engine.
// Implementations are expected to be safe for concurrent use.
type Store interface {
	// GetManifest returns the ordered manifest of all stored documents.
	GetManifest() (Manifest, error)

	// GetDocument retrieves a document by its OID, including content.
	// It returns ErrNotFound if the document does not exist.
	GetDocument(*oid.Oid) (*Document, error)

	// SaveDocument stores or updates a document. Writing a document identical to the
	// stored one is a no-op.
	SaveDocument(*Document) error

	// Close releases any resources held by the Store.
	Close() error
}
