// Copyright 2025 Certen Protocol
//
// Bind package resolves a grammar's declared variables against a set of
// supplied inputs: exact name match first, then — only when there is
// exactly one unresolved variable and exactly one unused input — a 1-to-1
// fallback binding.

package bind

import "fmt"

// Error reports which grammar variables could not be resolved and which
// input values were never consumed, so a caller can show both sides of the
// mismatch.
type Error struct {
	Missing   []string
	Available []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("bind: missing vars %v, available unused inputs %v", e.Missing, e.Available)
}

// Vars resolves each name in vars against inputs, returning the subset of
// inputs bound to those names.
//
// Resolution order:
//  1. Exact key match: vars[i] == some key in inputs.
//  2. 1-to-1 fallback: if after exact matching exactly one variable remains
//     unbound and exactly one input key remains unused, that input is bound
//     to the remaining variable.
//  3. Otherwise, an *Error naming every unresolved variable and every
//     unused input is returned.
func Vars(vars []string, inputs map[string]any) (map[string]any, error) {
	bound := make(map[string]any, len(vars))
	used := make(map[string]bool, len(inputs))
	var missing []string

	for _, v := range vars {
		if val, ok := inputs[v]; ok {
			bound[v] = val
			used[v] = true
			continue
		}
		missing = append(missing, v)
	}

	if len(missing) == 0 {
		return bound, nil
	}

	var unused []string
	for k := range inputs {
		if !used[k] {
			unused = append(unused, k)
		}
	}

	if len(missing) == 1 && len(unused) == 1 {
		bound[missing[0]] = inputs[unused[0]]
		return bound, nil
	}

	return nil, &Error{Missing: missing, Available: unused}
}
