//
// Tencent is pleased to support the open source community by making trpc-studio-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-studio-go is licensed under the Apache License Version 2.0.
//
//

package graph

import "reflect"

// State is the data flowing through a graph execution. Node functions
// receive the current state and return a delta that the executor folds
// back in through the schema reducers.
type State map[string]any

// Clone returns a deep copy of the state. Maps and slices are copied
// recursively; scalar values are copied as-is.
func (s State) Clone() State {
	if s == nil {
		return State{}
	}
	clone := make(State, len(s))
	for k, v := range s {
		clone[k] = deepCopyAny(v)
	}
	return clone
}

func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = deepCopyAny(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = deepCopyAny(e)
		}
		return out
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	default:
		return v
	}
}

// Reducer folds a node's update for one field into the existing value.
type Reducer func(existing, update any) any

// DefaultReducer replaces the existing value with the update.
func DefaultReducer(existing, update any) any {
	return update
}

// AppendReducer appends the update to the existing slice. Either side may
// be a scalar, a []string or a []any; the result is always a []any.
func AppendReducer(existing, update any) any {
	out := toAnySlice(existing)
	return append(out, toAnySlice(update)...)
}

// MergeReducer merges two string-keyed maps. Keys from the update win.
func MergeReducer(existing, update any) any {
	existingMap, ok := existing.(map[string]any)
	if !ok {
		return update
	}
	updateMap, ok := update.(map[string]any)
	if !ok {
		return existing
	}
	out := make(map[string]any, len(existingMap)+len(updateMap))
	for k, v := range existingMap {
		out[k] = v
	}
	for k, v := range updateMap {
		out[k] = v
	}
	return out
}

func toAnySlice(v any) []any {
	switch val := v.(type) {
	case nil:
		return nil
	case []any:
		out := make([]any, len(val))
		copy(out, val)
		return out
	case []string:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = e
		}
		return out
	default:
		return []any{v}
	}
}

// StateField describes a single field of a state schema.
type StateField struct {
	// Type is the expected Go type of the field value.
	Type reflect.Type
	// Reducer folds updates into the field. Nil means replace.
	Reducer Reducer
	// Default produces the initial value for the field. Nil means the
	// field starts absent.
	Default func() any
}

// StateSchema declares the fields of a graph state and how node deltas
// fold into them. Schemas are built once before Compile and must not be
// mutated afterwards.
type StateSchema struct {
	// Fields maps field names to their declarations.
	Fields map[string]StateField
}

// NewStateSchema creates an empty state schema.
func NewStateSchema() *StateSchema {
	return &StateSchema{Fields: make(map[string]StateField)}
}

// AddField declares a field and returns the schema for chaining.
func (s *StateSchema) AddField(name string, field StateField) *StateSchema {
	s.Fields[name] = field
	return s
}

// ApplyDefaults fills absent fields that declare a default and returns
// the same state for convenience.
func (s *StateSchema) ApplyDefaults(state State) State {
	if state == nil {
		state = State{}
	}
	for name, field := range s.Fields {
		if field.Default == nil {
			continue
		}
		if _, ok := state[name]; !ok {
			state[name] = field.Default()
		}
	}
	return state
}

// ApplyUpdate folds update into state through the field reducers and
// returns the merged state. Neither input is mutated. Fields without a
// schema entry are replaced.
func (s *StateSchema) ApplyUpdate(state State, update State) State {
	out := state.Clone()
	for k, v := range update {
		field, ok := s.Fields[k]
		if !ok || field.Reducer == nil {
			out[k] = deepCopyAny(v)
			continue
		}
		out[k] = field.Reducer(out[k], deepCopyAny(v))
	}
	return out
}
