package imagebuilder

import (
	"sort"

	"github.com/Rushilwiz/director4/schema"
)

// Catalog maps curated base image aliases to pullable references.
// Sites pick bases by alias; arbitrary references are rejected.
type Catalog struct {
	bases        map[string]string
	defaultAlias string
}

// NewCatalog builds a catalog from alias to reference, with a default
// alias used when a site does not name a base.
func NewCatalog(bases map[string]string, defaultAlias string) *Catalog {
	copied := make(map[string]string, len(bases))
	for alias, ref := range bases {
		copied[alias] = ref
	}
	return &Catalog{bases: copied, defaultAlias: defaultAlias}
}

// Resolve returns the pullable reference for an alias. The empty
// alias resolves to the default base.
func (c *Catalog) Resolve(alias string) (string, error) {
	if alias == "" {
		alias = c.defaultAlias
	}
	ref, ok := c.bases[alias]
	if !ok {
		return "", &schema.UnknownBaseImageError{Base: alias}
	}
	return ref, nil
}

// Aliases returns the known base aliases sorted.
func (c *Catalog) Aliases() []string {
	out := make([]string, 0, len(c.bases))
	for alias := range c.bases {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}
