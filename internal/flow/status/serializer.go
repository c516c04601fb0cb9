package status

import "strings"

// Write serializes doc back to the canonical checklist grammar: LF line
// endings, 4-space indentation per level, markers normalized to their
// canonical lowercase form, and the original BOM reproduced if the source
// had one. Names and refs are never mutated, so re-reading Write's output
// reproduces every Task field byte-for-byte.
func Write(doc *Document) []byte {
	var b strings.Builder
	if doc.HadBOM {
		b.WriteString(bomPrefix)
	}
	for _, h := range doc.Headers {
		b.WriteString(h.Key)
		b.WriteString(": ")
		b.WriteString(h.Value)
		b.WriteByte('\n')
	}
	if len(doc.Headers) > 0 && len(doc.Roots) > 0 {
		b.WriteByte('\n')
	}
	for _, t := range doc.Roots {
		writeTask(&b, t, 0)
	}
	return []byte(b.String())
}

func writeTask(b *strings.Builder, t *Task, level int) {
	b.WriteString(strings.Repeat("    ", level))
	b.WriteString("- [")
	b.WriteByte(markerFor(t.Status))
	b.WriteString("] ")
	b.WriteString(t.Name)
	if t.Ref != "" {
		b.WriteString(" @ ")
		if strings.ContainsAny(t.Ref, " \t") {
			b.WriteByte('"')
			b.WriteString(t.Ref)
			b.WriteByte('"')
		} else {
			b.WriteString(t.Ref)
		}
	}
	b.WriteByte('\n')
	for _, c := range t.Children {
		writeTask(b, c, level+1)
	}
}
