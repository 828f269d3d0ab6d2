package main

import (
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/lockbook/lockbook"
	"github.com/lockbook/lockbook/internal/errkind"
	"github.com/lockbook/lockbook/internal/filetree"
)

// resolveOrCreate walks p from root, creating any missing folders and,
// at the leaf, a document, mirroring how a text editor's "save" button
// behaves against a path that may not exist yet.
func resolveOrCreate(lb *lockbook.Lb, root uuid.UUID, p string) (uuid.UUID, error) {
	parts := strings.Split(path.Clean("/"+p), "/")
	cur := root
	for i, part := range parts {
		if part == "" {
			continue
		}
		last := i == len(parts)-1
		id, err := lb.Files().GetByPath(cur, part)
		if err != nil {
			if e, ok := errkind.As(err); !ok || e.Kind != errkind.FileNonexistent {
				return uuid.Nil, err
			}
			typ := filetree.Folder
			if last {
				typ = filetree.Document
			}
			id, err = lb.Files().CreateFile(cur, part, typ, uuid.Nil)
			if err != nil {
				return uuid.Nil, err
			}
		}
		cur = id
	}
	return cur, nil
}
