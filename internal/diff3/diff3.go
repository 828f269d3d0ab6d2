// Package diff3 implements the line-wise three-way text merge used for
// documents with a mergeable extension whose content changed on both
// sides of a sync: lines unchanged from base on one side take the other
// side's version; lines changed identically on both sides collapse to
// one copy; lines changed differently on both sides are concatenated
// local-then-remote, with no conflict markers (see DESIGN.md's Open
// Question decision on this point).
//
// Built on github.com/andreyvit/diff's LineDiffAsLines for the pairwise
// diffs, turning two pairwise diffs against a shared base into a merged
// line sequence.
package diff3

import (
	"strings"

	"github.com/andreyvit/diff"
)

// op is one unit of a pairwise edit script against the base text: a run
// of base lines left untouched ("equal"), or a run of base lines
// replaced by a (possibly empty, possibly longer) run of new lines
// ("replace"). Ops are contiguous and gapless: they partition
// [0, len(baseLines)) in order.
type op struct {
	replace           bool
	baseStart, baseEnd int
	new               []string
}

// buildOps turns the line-diff between base and other into a gapless
// op sequence over base's line indices.
func buildOps(base, other []string) []op {
	lines := diff.LineDiffAsLines(strings.Join(base, "\n"), strings.Join(other, "\n"))

	var ops []op
	baseIdx := 0
	inReplace := false
	replaceStart := 0
	var replaceNew []string

	flush := func(end int) {
		if inReplace {
			ops = append(ops, op{replace: true, baseStart: replaceStart, baseEnd: end, new: replaceNew})
			inReplace = false
			replaceNew = nil
		}
	}

	for _, line := range lines {
		if len(line) < 2 {
			continue
		}
		tag, text := line[0], line[2:]
		switch tag {
		case ' ':
			flush(baseIdx)
			ops = append(ops, op{replace: false, baseStart: baseIdx, baseEnd: baseIdx + 1, new: []string{text}})
			baseIdx++
		case '-':
			if !inReplace {
				inReplace = true
				replaceStart = baseIdx
				replaceNew = nil
			}
			baseIdx++
		case '+':
			if !inReplace {
				inReplace = true
				replaceStart = baseIdx
				replaceNew = nil
			}
			replaceNew = append(replaceNew, text)
		}
	}
	flush(baseIdx)
	return ops
}

// Merge performs a line-wise three-way merge of local and remote
// against base, per the rule described in the package doc. base, local,
// and remote are each a complete document's lines.
func Merge(base, local, remote []string) []string {
	localOps := buildOps(base, local)
	remoteOps := buildOps(base, remote)

	var out []string
	i, j := 0, 0
	pos := 0
	lastLocalOnly := -1
	lastRemoteOnly := -1
	lastPair := [2]int{-1, -1}

	for pos < len(base) && i < len(localOps) && j < len(remoteOps) {
		lop := localOps[i]
		rop := remoteOps[j]
		segEnd := lop.baseEnd
		if rop.baseEnd < segEnd {
			segEnd = rop.baseEnd
		}

		switch {
		case !lop.replace && !rop.replace:
			out = append(out, base[pos:segEnd]...)
		case lop.replace && !rop.replace:
			if i != lastLocalOnly {
				out = append(out, lop.new...)
				lastLocalOnly = i
			}
		case !lop.replace && rop.replace:
			if j != lastRemoteOnly {
				out = append(out, rop.new...)
				lastRemoteOnly = j
			}
		default: // both replace
			if lastPair != [2]int{i, j} {
				if lop.baseStart == rop.baseStart && lop.baseEnd == rop.baseEnd && sameLines(lop.new, rop.new) {
					out = append(out, lop.new...)
				} else {
					out = append(out, lop.new...)
					out = append(out, rop.new...)
				}
				lastPair = [2]int{i, j}
			}
		}

		pos = segEnd
		if pos == lop.baseEnd {
			i++
		}
		if pos == rop.baseEnd {
			j++
		}
	}

	// Insertions after the last base line are zero-width ops the loop
	// above never reaches.
	var localTail, remoteTail []string
	for ; i < len(localOps); i++ {
		localTail = append(localTail, localOps[i].new...)
	}
	for ; j < len(remoteOps); j++ {
		remoteTail = append(remoteTail, remoteOps[j].new...)
	}
	out = append(out, localTail...)
	if !sameLines(localTail, remoteTail) {
		out = append(out, remoteTail...)
	}
	return out
}

func sameLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// MergeText is a convenience wrapper over Merge for whole-document
// strings, joining the result with "\n".
func MergeText(base, local, remote string) string {
	merged := Merge(splitLines(base), splitLines(local), splitLines(remote))
	return strings.Join(merged, "\n")
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
