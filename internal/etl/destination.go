package etl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"visitrelay/internal/routing"
	"visitrelay/internal/visit"
)

// ── Destination ────────────────────────────────────────────
// A Destination delivers built payloads. The routing API is the real
// target; the file destination backs dry runs.

// Delivered is the outcome for one payload written by a destination.
type Delivered struct {
	Reference string `json:"reference"`
	VisitID   string `json:"visitId,omitempty"`
	Location  string `json:"location,omitempty"`
}

// Destination writes payloads to a target system. The returned slice lines
// up with payloads; on error it holds the payloads written before the
// failure.
type Destination interface {
	Name() string
	Write(ctx context.Context, payloads []*visit.Payload) ([]Delivered, error)
}

// ── Routing Destination ────────────────────────────────────

// VisitCreator is the routing client surface used by RoutingDestination.
type VisitCreator interface {
	CreateVisits(ctx context.Context, payloads []*visit.Payload) ([]routing.Visit, error)
}

// RoutingDestination posts payloads to the routing API.
type RoutingDestination struct {
	Client VisitCreator
}

func (d *RoutingDestination) Name() string { return "routing" }

func (d *RoutingDestination) Write(ctx context.Context, payloads []*visit.Payload) ([]Delivered, error) {
	visits, err := d.Client.CreateVisits(ctx, payloads)
	out := make([]Delivered, 0, len(visits))
	for i, v := range visits {
		ref := v.Reference
		if i < len(payloads) && payloads[i].Reference() != "" {
			ref = payloads[i].Reference()
		}
		out = append(out, Delivered{Reference: ref, VisitID: v.ID})
	}
	return out, err
}

// ── File Destination ───────────────────────────────────────

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FileDestination writes one payload_{reference}.json per visit.
type FileDestination struct {
	Dir string
}

func (d *FileDestination) Name() string { return "file" }

func (d *FileDestination) Write(ctx context.Context, payloads []*visit.Payload) ([]Delivered, error) {
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	out := make([]Delivered, 0, len(payloads))
	for i, p := range payloads {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		default:
		}

		ref := p.Reference()
		name := unsafeName.ReplaceAllString(ref, "_")
		if name == "" {
			name = fmt.Sprintf("noref_%d", i+1)
		}
		path := filepath.Join(d.Dir, "payload_"+name+".json")

		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		if err := enc.Encode(p); err != nil {
			return out, fmt.Errorf("encode payload %q: %w", ref, err)
		}
		if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
			return out, fmt.Errorf("write %s: %w", path, err)
		}
		out = append(out, Delivered{Reference: ref, Location: path})
	}
	return out, nil
}
