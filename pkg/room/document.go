package room

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"codecollab/pkg/crdt"
	"codecollab/pkg/db"
)

// Document is one file of a room. mu makes apply-then-log atomic per file.
//
// A document starts in content mode: whole-content writes replace the text
// and reseed the replica. The first CRDT operation switches it to CRDT mode
// for good; from then on content is only ever derived from the replica.
type Document struct {
	FileID   string
	FileName string
	Language string

	mu           sync.Mutex
	replica      *crdt.Replica
	content      string
	crdtActive   bool
	maxPending   int
	lastModified time.Time
}

func newDocument(fileID, fileName, language, content string, maxPending int) *Document {
	if fileName == "" {
		fileName = fileID
	}
	return &Document{
		FileID:       fileID,
		FileName:     fileName,
		Language:     language,
		replica:      crdt.Seed(content, maxPending),
		content:      content,
		maxPending:   maxPending,
		lastModified: time.Now(),
	}
}

// loadDocument rebuilds a document from its stored form. A stored replica
// that cannot be restored falls back to the stored content.
func loadDocument(f db.CodeFile, maxPending int, log *zap.Logger) *Document {
	d := newDocument(f.FileID, f.FileName, f.Language, f.Content, maxPending)
	if !f.LastModified.IsZero() {
		d.lastModified = f.LastModified
	}
	if f.State == nil {
		return d
	}
	r, err := crdt.Restore(*f.State, maxPending)
	if err != nil {
		log.Warn("stored replica unusable, reseeding from content",
			zap.String("file", f.FileID), zap.Error(err))
		return d
	}
	d.replica = r
	d.content = r.Text()
	d.crdtActive = true
	return d
}

// overwrite is the last-write-wins path. Callers hold mu.
func (d *Document) overwrite(content string) error {
	if d.crdtActive {
		return ErrCRDTActive
	}
	d.replica = crdt.Seed(content, d.maxPending)
	d.content = content
	d.lastModified = time.Now()
	return nil
}

// apply resolves and applies op. Callers hold mu.
func (d *Document) apply(op crdt.Operation) (crdt.Operation, crdt.Status, error) {
	op, err := d.replica.Resolve(op)
	if err != nil {
		return op, 0, err
	}
	status, err := d.replica.Apply(op)
	if err != nil || status == crdt.Duplicate {
		return op, status, err
	}
	d.crdtActive = true
	d.content = d.replica.Text()
	d.lastModified = time.Now()
	return op, status, nil
}

// catchUp folds the state another node holds for this file into d and
// reports whether the text changed. Callers hold mu.
//
// A replica is merged into ours. Plain content only replaces ours while both
// sides are in content mode, and only when it is newer.
func (d *Document) catchUp(f db.CodeFile) (bool, error) {
	before := d.content
	switch {
	case f.State == nil:
		if d.crdtActive || !f.LastModified.After(d.lastModified) {
			return false, nil
		}
		d.replica = crdt.Seed(f.Content, d.maxPending)
		d.content = f.Content
		d.lastModified = f.LastModified
		return d.content != before, nil
	case !d.crdtActive:
		r, err := crdt.Restore(*f.State, d.maxPending)
		if err != nil {
			return false, err
		}
		d.replica = r
		d.crdtActive = true
	default:
		if err := d.replica.Merge(*f.State); err != nil {
			return false, err
		}
	}
	d.content = d.replica.Text()
	if f.LastModified.After(d.lastModified) {
		d.lastModified = f.LastModified
	}
	return d.content != before, nil
}

// stored captures the document for the store.
func (d *Document) stored() db.CodeFile {
	d.mu.Lock()
	defer d.mu.Unlock()
	f := db.CodeFile{
		FileID:       d.FileID,
		FileName:     d.FileName,
		Language:     d.Language,
		Content:      d.content,
		LastModified: d.lastModified,
	}
	if d.crdtActive {
		s := d.replica.Snapshot()
		f.State = &s
	}
	return f
}

func (d *Document) snapshot() snapshotMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

func (d *Document) snapshotLocked() snapshotMessage {
	s := d.replica.Snapshot()
	return snapshotMessage{
		Type:    TypeSnapshot,
		FileID:  d.FileID,
		Content: d.content,
		Nodes:   s.Nodes,
		Clock:   s.Clock,
	}
}
