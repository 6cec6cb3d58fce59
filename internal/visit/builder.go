// Package visit turns heterogeneous scheduling and delivery records into the
// ordered visit payloads the routing API accepts.
//
// A Builder is stateless after construction: Build reads only its input and
// allocates its own output, so one Builder may serve any number of
// goroutines. Nothing in this package performs I/O or returns errors;
// malformed values degrade to per-field defaults.
package visit

// Windows are the default time windows for one category.
type Windows struct {
	Start  string `yaml:"start" json:"start"`
	End    string `yaml:"end" json:"end"`
	Start2 string `yaml:"start_2" json:"start_2"`
	End2   string `yaml:"end_2" json:"end_2"`
}

// Config holds the mapping values the routing account depends on.
type Config struct {
	NotesPrefix   string `yaml:"notes_prefix" json:"notesPrefix"`
	NoteLineWidth int    `yaml:"note_line_width" json:"noteLineWidth"`
	// DefaultView stands in for a missing _source_view hint.
	DefaultView string `yaml:"default_view" json:"defaultView"`
	// Durations are default visit durations in minutes per category.
	Durations map[Category]int     `yaml:"durations" json:"durations"`
	Windows   map[Category]Windows `yaml:"windows" json:"windows"`
	// Aliases replace entries of the built-in alias table.
	Aliases map[string][]string `yaml:"aliases" json:"aliases,omitempty"`
}

// DefaultConfig returns the mapping used by the production routing account.
func DefaultConfig() Config {
	allDay := Windows{Start: "00:00:00", End: "23:59:00", Start2: "23:59:00", End2: "23:59:00"}
	return Config{
		NotesPrefix:   "[A]",
		NoteLineWidth: 58,
		Durations: map[Category]int{
			CategoryDelivery: 30,
			CategoryMedical:  30,
			CategoryNursing:  60,
		},
		Windows: map[Category]Windows{
			CategoryDelivery: allDay,
			CategoryMedical:  allDay,
			CategoryNursing:  allDay,
		},
	}
}

// Builder builds payloads under one Config.
type Builder struct {
	cfg     Config
	aliases map[string][]string
}

// NewBuilder returns a Builder for cfg. Zero-valued settings take their
// DefaultConfig values; an explicitly empty map disables that default.
func NewBuilder(cfg Config) *Builder {
	def := DefaultConfig()
	if cfg.NotesPrefix == "" {
		cfg.NotesPrefix = def.NotesPrefix
	}
	if cfg.NoteLineWidth <= 0 {
		cfg.NoteLineWidth = def.NoteLineWidth
	}
	if cfg.Durations == nil {
		cfg.Durations = def.Durations
	}
	if cfg.Windows == nil {
		cfg.Windows = def.Windows
	}
	return &Builder{cfg: cfg, aliases: mergeAliases(cfg.Aliases)}
}

// Config returns the builder's effective configuration.
func (b *Builder) Config() Config { return b.cfg }

var defaultBuilder = NewBuilder(DefaultConfig())

// Build maps rec with the default configuration.
func Build(rec SourceRecord) *Payload { return defaultBuilder.Build(rec) }

// Classify classifies rec with the default configuration.
func Classify(rec SourceRecord) Classification { return defaultBuilder.Classify(rec) }

// Classify returns the category and visit tag Build would use for rec.
func (b *Builder) Classify(rec SourceRecord) Classification {
	return b.classify(newResolver(rec, b.aliases))
}

// Build maps rec to its canonical payload.
func (b *Builder) Build(rec SourceRecord) *Payload {
	r := newResolver(rec, b.aliases)
	c := b.classify(r)
	items, lines := b.assembleItems(r, c)

	v := map[string]any{
		"id":          nil,
		"order":       numberOrNil(r.Record("order")),
		"tracking_id": stringOrNil(r.Record("tracking_id", "tracking")),
		"status":      "pending",
		"title":       composeTitle(r),
		"address":     r.RecordString("address"),
		"latitude":    NormalizeCoordinate(r.Record("latitude")),
		"longitude":   NormalizeCoordinate(r.Record("longitude")),
		"load":        numberOrNil(r.Record("load")),
		"load_2":      numberOrNil(r.Record("load_2")),
		"load_3":      numberOrNil(r.Record("load_3")),
		"duration":    b.duration(r, c),
		"reference":   composeReference(r, c),
		"notes":       b.composeNotes(r, c, lines),
		"items":       items,
	}
	if s := r.RecordString("status"); s != "" {
		v["status"] = s
	}
	b.applyWindows(r, c, v)

	v["contact_name"] = stringOrNil(firstOf(r, "contact_name"))
	v["contact_phone"] = stringOrNil(firstOf(r, "contact_phone"))
	v["contact_email"] = stringOrNil(contactEmail(r))

	for _, k := range []string{"skills_required", "skills_optional", "tags", "pictures"} {
		v[k] = listValue(r.Record(k))
	}
	if d, ok := NormalizeDate(r.Record("planned_date")); ok {
		v["planned_date"] = d
	}

	for _, k := range []string{
		"programmed_date", "route", "route_status",
		"estimated_time_arrival", "estimated_time_departure",
		"checkin_time", "checkout_time", "checkout_comment", "checkout_observation",
		"signature", "eta_predicted", "eta_current", "geocode_alert", "current_eta", "seller",
	} {
		v[k] = stringOrNil(r.Record(k))
	}
	v["created"] = stringOrNil(r.Record("created", "created_at"))
	v["modified"] = stringOrNil(r.Record("modified", "updated_at"))
	v["checkout_latitude"] = NormalizeCoordinate(r.Record("checkout_latitude"))
	v["checkout_longitude"] = NormalizeCoordinate(r.Record("checkout_longitude"))

	for _, k := range []string{"driver", "vehicle", "priority_level", "fleet"} {
		v[k] = numberOrNil(r.Record(k))
	}
	v["priority"] = truthy(r.Record("priority"))
	v["has_alert"] = truthy(r.Record("has_alert"))
	v["is_route_completed"] = truthy(r.Record("is_route_completed"))
	v["extra_field_values"] = extraFields(r)

	if c.VisitType != "" {
		v["visit_type"] = c.VisitType
	}
	return newPayload(v)
}

// duration falls back from the record duration to its service time, then to
// the category default.
func (b *Builder) duration(r *resolver, c Classification) string {
	d := r.Record("duration")
	if blankDuration(d) {
		d = r.Record("service_time")
	}
	if blankDuration(d) {
		if minutes, ok := b.cfg.Durations[c.Category]; ok {
			d = minutes
		}
	}
	return NormalizeDuration(d)
}

// applyWindows keeps source windows and fills the rest from the category.
func (b *Builder) applyWindows(r *resolver, c Classification, v map[string]any) {
	def, hasDefault := b.cfg.Windows[c.Category]
	for _, w := range []struct {
		key string
		def string
	}{
		{"window_start", def.Start},
		{"window_end", def.End},
		{"window_start_2", def.Start2},
		{"window_end_2", def.End2},
	} {
		if s := r.RecordString(w.key); s != "" {
			v[w.key] = s
			continue
		}
		if hasDefault && w.def != "" {
			v[w.key] = w.def
		}
	}
}

// contactEmail takes the record email, then the first child row's, keeping
// only well-formed addresses.
func contactEmail(r *resolver) string {
	if s := SanitizeEmail(r.Record("contact_email")); s != "" {
		return s
	}
	if len(r.children) > 0 {
		return SanitizeEmail(r.Row(r.children[0], "contact_email"))
	}
	return ""
}

// extraFields copies the source extra fields and lifts a few top-level
// columns the routing account shows as custom fields.
func extraFields(r *resolver) map[string]any {
	out := map[string]any{}
	if m, ok := r.Record("extra_field_values").(map[string]any); ok {
		for k, val := range m {
			out[k] = val
		}
	}
	for _, k := range []string{"checkout_enfermagem", "nome_profissional"} {
		if val, ok := r.record.raw[k]; ok && val != nil {
			out[k] = val
		}
	}
	return out
}
