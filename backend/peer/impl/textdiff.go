package impl

import (
	"Inkwell/backend/types"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// diffEdits returns the edits turning from into to, in rune positions. Each
// edit applies to the text left by the previous ones.
func diffEdits(from, to string) []types.Edit {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(from, to, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var edits []types.Edit
	pos := 0
	for _, d := range diffs {
		n := utf8.RuneCountInString(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			pos += n
		case diffmatchpatch.DiffDelete:
			edits = append(edits, types.DeleteRange{Index: pos, Length: n})
		case diffmatchpatch.DiffInsert:
			edits = append(edits, types.InsertText{Index: pos, Text: d.Text})
			pos += n
		}
	}
	return edits
}
