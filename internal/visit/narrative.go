package visit

import (
	"strings"
	"unicode/utf8"
)

// ── Narrative ──────────────────────────────────────────────

// composeTitle prefers the patient name, then an explicit title, then the
// record key.
func composeTitle(r *resolver) string {
	for _, name := range []string{"patient_name", "title", "record_id"} {
		if s := r.RecordString(name); s != "" {
			return s
		}
	}
	return "visit"
}

// composeReference derives the visit reference. Deliveries use protocol
// followed by prescription when both codes exist.
func composeReference(r *resolver, c Classification) string {
	if c.Category == CategoryDelivery {
		protocol := numericString(r.Any("protocol"))
		prescription := numericString(r.Any("prescription"))
		if protocol != "" && prescription != "" {
			return protocol + prescription
		}
	}
	for _, name := range []string{"reference", "record_id"} {
		if s := r.RecordString(name); s != "" {
			return s
		}
	}
	return ""
}

// composeNotes builds the prefixed visit notes.
func (b *Builder) composeNotes(r *resolver, c Classification, lines []itemLine) string {
	specialty := firstOf(r, "specialty")
	kind := firstOf(r, "visit_kind")

	if c.Category == CategoryDelivery {
		if len(lines) > 0 {
			out := make([]string, 0, len(lines))
			for _, l := range lines {
				out = append(out, wrapFirstLine(l.title, b.cfg.NoteLineWidth)+
					" - "+ZeroPad(l.delivered)+"/"+ZeroPad(l.planned))
			}
			return b.withPrefix(strings.Join(out, "\n"))
		}
		note := r.RecordString("delivery_kind")
		for _, s := range []string{specialty, kind} {
			if note == "" {
				note = s
			}
		}
		if note == "" {
			note = "ENTREGA"
		}
		return b.withPrefix(note)
	}

	switch {
	case specialty != "" && kind != "":
		return b.withPrefix(specialty + " - " + kind)
	case specialty != "":
		return b.withPrefix(specialty)
	case kind != "":
		return b.withPrefix(kind)
	}
	return b.withPrefix(r.RecordString("notes"))
}

// firstOf resolves a field on the record, then on the first child row that
// has it.
func firstOf(r *resolver, name string) string {
	if s := r.RecordString(name); s != "" {
		return s
	}
	for _, child := range r.children {
		if s := r.RowString(child, name); s != "" {
			return s
		}
	}
	return ""
}

// withPrefix marks notes with the configured prefix exactly once.
func (b *Builder) withPrefix(notes string) string {
	prefix := b.cfg.NotesPrefix
	if strings.HasPrefix(notes, prefix) {
		return notes
	}
	return prefix + notes
}

// wrapFirstLine returns the first line of text wrapped at width on word
// boundaries. A single word longer than width is kept whole; text with no
// words is cut at width.
func wrapFirstLine(text string, width int) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return truncateRunes(text, width)
	}
	if width <= 0 {
		return strings.Join(words, " ")
	}
	line := words[0]
	for _, w := range words[1:] {
		if utf8.RuneCountInString(line)+1+utf8.RuneCountInString(w) > width {
			break
		}
		line += " " + w
	}
	return line
}

func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
