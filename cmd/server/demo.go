package main

import (
	"github.com/google/uuid"

	"trellis/internal/recordable"
)

// The demo server registers a small content model so the HTTP surface is
// usable out of the box: folders group pages, pages take comments. Embedders
// replace this with their own types.

type Folder struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

func (f *Folder) RecordableType() string { return "folder" }
func (f *Folder) RecordableID() uuid.UUID { return f.ID }
func (f *Folder) SetRecordableID(id uuid.UUID) { f.ID = id }

type Page struct {
	ID    uuid.UUID `json:"id"`
	Title string    `json:"title"`
	Body  string    `json:"body"`
}

func (p *Page) RecordableType() string { return "page" }
func (p *Page) RecordableID() uuid.UUID { return p.ID }
func (p *Page) SetRecordableID(id uuid.UUID) { p.ID = id }

type Comment struct {
	ID   uuid.UUID `json:"id"`
	Body string    `json:"body"`
}

func (c *Comment) RecordableType() string { return "comment" }
func (c *Comment) RecordableID() uuid.UUID { return c.ID }
func (c *Comment) SetRecordableID(id uuid.UUID) { c.ID = id }

func registerDemoTypes(registry *recordable.Registry) {
	registry.MustRegister(recordable.Descriptor{
		Type:                  "folder",
		New:                   func() recordable.Recordable { return &Folder{} },
		Capabilities:          []recordable.Capability{recordable.CapabilityMove},
		TracksRecordingsCount: true,
		QueryColumns:          []string{"name"},
	})
	registry.MustRegister(recordable.Descriptor{
		Type: "page",
		New:  func() recordable.Recordable { return &Page{} },
		Capabilities: []recordable.Capability{
			recordable.CapabilityMove,
			recordable.CapabilityCopy,
			recordable.CapabilityComment,
		},
		AllowedParents: map[recordable.Capability][]string{
			recordable.CapabilityMove: {"folder", "page"},
			recordable.CapabilityCopy: {"folder", "page"},
		},
		TracksRecordingsCount: true,
		TracksEventsCount:     true,
		QueryColumns:          []string{"title"},
	})
	registry.MustRegister(recordable.Descriptor{
		Type: "comment",
		New:  func() recordable.Recordable { return &Comment{} },
	})
}
