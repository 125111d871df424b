package states

import (
	"bytes"
	"encoding/json"

	"github.com/rendis/cdflow/pkg/schema"
)

type builder func(name string, raw json.RawMessage, deps *Deps) (State, error)

// typed adapts a variant constructor into a builder that decodes the
// definition's properties into the variant's config.
func typed[C any, S State](ctor func(string, C, *Deps) S) builder {
	return func(name string, raw json.RawMessage, deps *Deps) (State, error) {
		var cfg C
		if len(raw) > 0 && string(raw) != "null" {
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&cfg); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode properties: %v", err).
					WithState(name).WithCause(err)
			}
		}
		return ctor(name, cfg, deps), nil
	}
}

var builders = map[schema.StateType]builder{
	schema.StateTypeFork:                          typed(NewFork),
	schema.StateTypeRepeat:                        typed(NewRepeat),
	schema.StateTypeEnvLoop:                       typed(NewEnvLoop),
	schema.StateTypeEnvState:                      typed(NewEnvState),
	schema.StateTypeEnvResumeState:                typed(NewEnvResume),
	schema.StateTypeEnvLoopResumeState:            typed(NewEnvLoopResume),
	schema.StateTypeEnvRollbackState:              typed(NewEnvRollback),
	schema.StateTypeArtifactCollectLoop:           typed(NewArtifactCollectLoop),
	schema.StateTypeArtifactCollection:            typed(NewArtifactCollection),
	schema.StateTypeResourceConstraint:            typed(NewResourceConstraint),
	schema.StateTypeAwsAmiRollbackSwitchRoutes:    typed(NewAwsAmiRollbackSwitchRoutes),
	schema.StateTypeEcsBGRollbackRoute53DNSWeight: typed(NewEcsBGRollbackRoute53DNSWeight),
	schema.StateTypeK8sSwapServiceSelectors:       typed(NewK8sSwapServiceSelectors),
	schema.StateTypeHelmRollback:                  typed(NewHelmRollback),
	schema.StateTypePause:                         typed(NewPause),
	schema.StateTypeVerification:                  typed(NewVerification),
}

// Factory builds states from definitions, sharing one set of collaborators.
type Factory struct {
	deps *Deps
}

// NewFactory creates a Factory.
func NewFactory(deps Deps) *Factory {
	return &Factory{deps: &deps}
}

// Deps returns the collaborators states built by f use.
func (f *Factory) Deps() *Deps { return f.deps }

// Build decodes and validates one state definition.
func (f *Factory) Build(def schema.StateDefinition) (State, error) {
	if def.Name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "state has empty name")
	}
	b, ok := builders[def.Type]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown state type %q", def.Type).WithState(def.Name)
	}
	st, err := b(def.Name, def.Properties, f.deps)
	if err != nil {
		return nil, err
	}
	if err := st.ValidateFields(); err != nil {
		return nil, err
	}
	return st, nil
}
