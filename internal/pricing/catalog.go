package pricing

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

// ModelDescriptor describes one model the gateway can route to.
type ModelDescriptor struct {
	ID                string    `json:"id"`
	Provider          string    `json:"provider"`
	SupportsWebSearch bool      `json:"supports_web_search"`
	Pricing           Pricing   `json:"pricing"`
	Reasoning         Reasoning `json:"-"`
}

// Catalog is an immutable snapshot of the pricing table.
type Catalog struct {
	version       string
	freeModelID   string
	models        map[string]ModelDescriptor
	mostExpensive Pricing
}

var (
	// ErrEmptyCatalog indicates a pricing table with no models.
	ErrEmptyCatalog = errors.New("pricing catalog has no models")

	// ErrFreeModelMissing indicates the designated free model is not in the table.
	ErrFreeModelMissing = errors.New("free model not present in pricing catalog")
)

// NewCatalog validates descriptors and builds a catalog.
func NewCatalog(version, freeModelID string, descriptors []ModelDescriptor) (*Catalog, error) {
	if len(descriptors) == 0 {
		return nil, ErrEmptyCatalog
	}

	c := &Catalog{
		version:     version,
		freeModelID: freeModelID,
		models:      make(map[string]ModelDescriptor, len(descriptors)),
	}
	for _, d := range descriptors {
		if d.ID == "" {
			return nil, fmt.Errorf("model descriptor with empty id")
		}
		if d.Provider == "" {
			return nil, fmt.Errorf("model %q has no provider", d.ID)
		}
		if _, dup := c.models[d.ID]; dup {
			return nil, fmt.Errorf("duplicate model id %q", d.ID)
		}
		c.models[d.ID] = d

		// Fallback pricing takes the maximum of each rate independently.
		c.mostExpensive.InputCreditsPerMillionTokens = max(c.mostExpensive.InputCreditsPerMillionTokens, d.Pricing.InputCreditsPerMillionTokens)
		c.mostExpensive.OutputCreditsPerMillionTokens = max(c.mostExpensive.OutputCreditsPerMillionTokens, d.Pricing.OutputCreditsPerMillionTokens)
	}

	if freeModelID != "" {
		if _, ok := c.models[freeModelID]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrFreeModelMissing, freeModelID)
		}
	}

	return c, nil
}

// Version returns the pricing table version string.
func (c *Catalog) Version() string { return c.version }

// FreeModelID returns the model available to free and anonymous callers.
func (c *Catalog) FreeModelID() string { return c.freeModelID }

// Lookup returns the descriptor for id.
func (c *Catalog) Lookup(id string) (ModelDescriptor, bool) {
	d, ok := c.models[id]
	return d, ok
}

// IsFree reports whether id is the designated free model.
func (c *Catalog) IsFree(id string) bool {
	return c.freeModelID != "" && id == c.freeModelID
}

// MostExpensive returns the fallback pricing used for unknown models.
func (c *Catalog) MostExpensive() Pricing { return c.mostExpensive }

// Models returns all descriptors ordered by id.
func (c *Catalog) Models() []ModelDescriptor {
	out := make([]ModelDescriptor, 0, len(c.models))
	for _, d := range c.models {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PricingFor returns the pricing for id, or the most expensive known pricing
// and false when id is not in the catalog.
func (c *Catalog) PricingFor(id string) (Pricing, bool) {
	if d, ok := c.models[id]; ok {
		return d.Pricing, true
	}
	return c.mostExpensive, false
}

// Cost prices a usage record. known is false when fallback pricing was applied.
func (c *Catalog) Cost(modelID string, inputTokens, outputTokens uint64) (credits uint64, known bool) {
	p, known := c.PricingFor(modelID)
	return Cost(p, inputTokens, outputTokens), known
}

// Calculator prices usage against a catalog and reports fallback pricing.
type Calculator struct {
	catalog *Catalog
	logger  *slog.Logger
}

// NewCalculator creates a calculator over catalog.
func NewCalculator(catalog *Catalog, logger *slog.Logger) *Calculator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Calculator{catalog: catalog, logger: logger}
}

// Catalog returns the underlying catalog.
func (c *Calculator) Catalog() *Catalog { return c.catalog }

// Cost returns the credit charge for the given usage.
func (c *Calculator) Cost(modelID string, inputTokens, outputTokens uint64) uint64 {
	credits, known := c.catalog.Cost(modelID, inputTokens, outputTokens)
	if !known {
		c.logger.Warn("unknown model priced at most expensive rate",
			"model", modelID,
			"pricing_version", c.catalog.Version(),
			"input_tokens", inputTokens,
			"output_tokens", outputTokens,
			"credits", credits,
		)
	}
	return credits
}
