package xproc

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
)

// TypeTags maps record kinds to the type tags used by one foreign process. Tags differ between
// processes, so each compile context carries its own table.
type TypeTags struct {
	tags *swiss.Map[RecordKind, uint32]
}

func NewTypeTags() *TypeTags {
	return &TypeTags{tags: swiss.NewMap[RecordKind, uint32](4)}
}

// Register records the foreign tag for a record kind. Tag zero is reserved for unwritten memory.
func (t *TypeTags) Register(kind RecordKind, tag uint32) error {
	if tag == 0 {
		return errors.Newf("type tag for %s records cannot be zero", kind)
	}
	t.tags.Put(kind, tag)
	return nil
}

func (t *TypeTags) Lookup(kind RecordKind) (uint32, error) {
	tag, ok := t.tags.Get(kind)
	if !ok {
		return 0, errors.Newf("no type tag is registered for %s records", kind)
	}
	return tag, nil
}
