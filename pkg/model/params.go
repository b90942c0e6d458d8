package model

import (
	"fmt"
	"sort"

	"protoken/pkg/tensor"
)

// ParamSet is the checkpoint contract: a flat mapping from parameter path
// (slash-separated module path) to weight tensor. Every parameter a model
// expects must be present with the exact shape implied by its configuration;
// anything else is a fatal configuration error.
type ParamSet map[string]*tensor.Tensor

// paramSource is implemented by modules that expose named parameters.
type paramSource interface {
	namedParams(prefix string, dst ParamSet)
}

// collectParams merges the parameters of several sources under one prefix.
func collectParams(dst ParamSet, prefix string, sources map[string]paramSource) {
	for name, src := range sources {
		src.namedParams(prefix+"/"+name, dst)
	}
}

// loadParams copies checkpoint values into the model's parameter tensors.
// All expected names must be present with matching shapes; the check runs to
// completion before any tensor is touched, so a failed load leaves the model
// unchanged.
func loadParams(expected ParamSet, checkpoint ParamSet) error {
	names := make([]string, 0, len(expected))
	for name := range expected {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		src, ok := checkpoint[name]
		if !ok {
			return fmt.Errorf("checkpoint missing parameter %q", name)
		}
		if !expected[name].ShapeEquals(src) {
			return fmt.Errorf("parameter %q has shape %v, expected %v",
				name, src.Shape, expected[name].Shape)
		}
	}
	for _, name := range names {
		copy(expected[name].Data, checkpoint[name].Data)
	}
	return nil
}
