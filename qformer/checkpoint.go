package qformer

import (
	"strings"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
)

// FieldMapping renames one variable scope prefix when importing weights
// from a donor context, typically a text encoder checkpoint whose layer
// names differ from this model's scopes.
type FieldMapping struct {
	// From is the scope prefix in the donor, To the prefix in the target
	// model. Both are absolute scope paths starting with "/".
	From, To string
}

// ImportVariables copies every donor variable whose scope matches a
// mapping into ctx, under the renamed scope. Variables already present
// in ctx are overwritten; their shapes must agree. It fails if a
// mapping matches no donor variable, so stale mappings are caught
// rather than silently skipped.
func ImportVariables(ctx, donor *context.Context, mappings []FieldMapping) error {
	for _, m := range mappings {
		if !strings.HasPrefix(m.From, context.ScopeSeparator) || !strings.HasPrefix(m.To, context.ScopeSeparator) {
			return errors.Errorf("field mapping %q -> %q: scope prefixes must be absolute paths", m.From, m.To)
		}
	}
	matched := make([]bool, len(mappings))
	var importErr error
	donor.EnumerateVariables(func(v *context.Variable) {
		if importErr != nil {
			return
		}
		for i, m := range mappings {
			scope := v.Scope()
			if scope != m.From && !strings.HasPrefix(scope, m.From+context.ScopeSeparator) {
				continue
			}
			matched[i] = true
			newScope := m.To + strings.TrimPrefix(scope, m.From)
			if existing := ctx.InspectVariable(newScope, v.Name()); existing != nil {
				if !existing.Shape().Equal(v.Shape()) {
					importErr = errors.Errorf("field mapping %q -> %q: variable %q has shape %s in donor but %s in target",
						m.From, m.To, v.Name(), v.Shape(), existing.Shape())
					return
				}
				existing.SetValue(v.Value().LocalClone())
			} else {
				ctx.InAbsPath(newScope).VariableWithValue(v.Name(), v.Value().LocalClone())
			}
			return
		}
	})
	if importErr != nil {
		return importErr
	}
	for i, m := range mappings {
		if !matched[i] {
			return errors.Errorf("field mapping %q -> %q matched no donor variable", m.From, m.To)
		}
	}
	return nil
}
