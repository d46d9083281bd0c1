// Package catalog is the flow template catalog: it loads and validates named
// step blueprints and selects the one that governs a request's sensitivity.
package catalog

import (
	"context"
	"strings"

	"github.com/pitabwire/steward/model"
)

// Catalog selects the flow template for a sensitivity classifier.
type Catalog interface {
	// Select returns the first active template, in creation order, whose name
	// contains sensitivity (case-insensitive). It fails with NO_TEMPLATE_FOUND
	// when nothing matches.
	Select(ctx context.Context, sensitivity string) (model.FlowTemplate, error)
}

// Lister is implemented by catalogs that can enumerate their templates.
type Lister interface {
	List(ctx context.Context) ([]model.FlowTemplate, error)
}

// Matches reports whether a template name selects for the given sensitivity.
func Matches(name, sensitivity string) bool {
	return strings.Contains(strings.ToLower(name), strings.ToLower(sensitivity))
}
