package upstream

import "strings"

// Model is a user-selectable model.
type Model struct {
	ID      string `json:"id"`
	Name    string `json:"name"` // upstream model name
	Display string `json:"display_name"`
	Free    bool   `json:"is_free"`
	Locked  bool   `json:"locked"`
}

// Catalog is an ordered set of models with a fallback default.
type Catalog struct {
	models   []Model
	fallback string
}

// DefaultModels is the built-in model list.
var DefaultModels = []Model{
	{ID: "flash", Name: "gemini-2.5-flash", Display: "Gemini 2.5 Flash", Free: true},
	{ID: "pro", Name: "gemini-2.5-pro", Display: "Gemini 2.5 Pro", Locked: true},
	{ID: "flash-latest", Name: "gemini-1.5-flash", Display: "Gemini 1.5 Flash", Free: true},
}

// NewCatalog returns a catalog over models. fallback must name an unlocked
// model, otherwise the first unlocked one is used.
func NewCatalog(models []Model, fallback string) *Catalog {
	c := &Catalog{models: append([]Model(nil), models...)}
	fallback = strings.ToLower(strings.TrimSpace(fallback))
	if m, ok := c.Lookup(fallback); ok && !m.Locked {
		c.fallback = m.ID
		return c
	}
	for _, m := range c.models {
		if !m.Locked {
			c.fallback = m.ID
			break
		}
	}
	return c
}

// List returns a copy of the catalog in display order.
func (c *Catalog) List() []Model { return append([]Model(nil), c.models...) }

// Default returns the fallback model.
func (c *Catalog) Default() Model {
	m, _ := c.Lookup(c.fallback)
	return m
}

// Lookup finds a model by id.
func (c *Catalog) Lookup(id string) (Model, bool) {
	id = strings.ToLower(strings.TrimSpace(id))
	for _, m := range c.models {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}

// Resolve returns the model for id, falling back to the default when id is
// unknown or locked.
func (c *Catalog) Resolve(id string) Model {
	if m, ok := c.Lookup(id); ok && !m.Locked {
		return m
	}
	return c.Default()
}
