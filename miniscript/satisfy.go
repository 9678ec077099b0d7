package miniscript

import "fmt"

// ErrCannotSatisfy is returned when the provided signature set does not
// meet the policy's threshold.
var ErrCannotSatisfy = fmt.Errorf("miniscript: signature set does not satisfy policy")

// Signature pairs a key name (as it appears in the descriptor) with the
// raw signature bytes a proposal's approvals supplied for it.
type Signature struct {
	KeyName string
	Raw     []byte
}

// PolicyPath selects, for each branching node of a policy, which subset of
// its children the satisfaction should use. It is addressed by node ids
// that Satisfy assigns in the order it visits nodes, starting at 0 for the
// root: children not selected by the path are skipped without taking an
// id, and the keys inside a multi() take none. This matches spec.md §4.5's
// "caller-chosen policy path" contract for policies with more than one
// valid spending path (e.g. or(pk(A),and(pk(B),older(144)))).
type PolicyPath map[int][]int

// Witness is an ordered stack of witness elements, outermost element last,
// ready to be placed on a psbt.Packet's Unknowns/PartialSigs or directly
// into a TxWitness.
type Witness struct {
	Stack [][]byte

	// MinLocktime/MinSequence report the strongest timelock requirement
	// exercised by this satisfaction, for the caller to set on the
	// spending transaction's nLockTime/input nSequence.
	MinLocktime uint32
	MinSequence uint32
}

// Satisfy attempts to build a witness for policy using the given
// signatures, following path to choose among alternative branches. Where
// path has no entry for a node, Multi and Thresh use their first K
// children and Or uses its first branch.
func Satisfy(policy *Policy, sigs []Signature, path PolicyPath) (*Witness, error) {
	bySig := make(map[string][]byte, len(sigs))
	for _, s := range sigs {
		bySig[s.KeyName] = s.Raw
	}

	w := &Witness{}
	cursor := 0
	stack, err := satisfyNode(policy.Root, bySig, path, &cursor, w)
	if err != nil {
		return nil, err
	}
	w.Stack = stack
	return w, nil
}

func satisfyNode(n Node, sigs map[string][]byte, path PolicyPath, cursor *int, w *Witness) ([][]byte, error) {
	id := *cursor
	*cursor++

	switch n.Kind {
	case KindKey:
		sig, ok := sigs[n.KeyName]
		if !ok {
			return nil, fmt.Errorf("%w: missing signature for key %s", ErrCannotSatisfy, n.KeyName)
		}
		return [][]byte{sig}, nil

	case KindMulti:
		// OP_CHECKMULTISIG-style: push signatures for the selected
		// keys in the order path lists them, preceded by a dummy
		// element for the historical off-by-one bug. Unselected keys
		// get no stack element.
		chosen := path[id]
		if chosen == nil {
			chosen = firstN(len(n.Keys), n.K)
		}
		if len(chosen) < n.K {
			return nil, fmt.Errorf("%w: multi needs %d signatures, path selects %d", ErrCannotSatisfy, n.K, len(chosen))
		}
		stack := [][]byte{nil}
		for _, idx := range chosen {
			if idx < 0 || idx >= len(n.Keys) {
				return nil, fmt.Errorf("%w: path index %d out of range", ErrCannotSatisfy, idx)
			}
			sig, ok := sigs[n.Keys[idx].KeyName]
			if !ok {
				return nil, fmt.Errorf("%w: missing signature for key %s", ErrCannotSatisfy, n.Keys[idx].KeyName)
			}
			stack = append(stack, sig)
		}
		return stack, nil

	case KindThresh:
		chosen := path[id]
		if chosen == nil {
			chosen = firstN(len(n.Subs), n.K)
		}
		if len(chosen) < n.K {
			return nil, fmt.Errorf("%w: thresh needs %d branches, path selects %d", ErrCannotSatisfy, n.K, len(chosen))
		}

		// A thresh() of bare keys compiles to the same OP_CHECKMULTISIG
		// script as multi(), so it needs the same off-by-one dummy
		// element ahead of the selected signatures.
		stack := [][]byte{}
		if allKeys(n.Subs) {
			stack = append(stack, nil)
		}
		for _, idx := range chosen {
			sub, err := satisfyNode(n.Subs[idx], sigs, path, cursor, w)
			if err != nil {
				return nil, err
			}
			stack = append(stack, sub...)
		}
		return stack, nil

	case KindAnd:
		var stack [][]byte
		for i := range n.Subs {
			sub, err := satisfyNode(n.Subs[i], sigs, path, cursor, w)
			if err != nil {
				return nil, err
			}
			stack = append(stack, sub...)
		}
		return stack, nil

	case KindOr:
		chosen := path[id]
		branch := 0
		if len(chosen) == 1 {
			branch = chosen[0]
		}
		return satisfyNode(n.Subs[branch], sigs, path, cursor, w)

	case KindAfter:
		if n.Value > w.MinLocktime {
			w.MinLocktime = n.Value
		}
		return nil, nil

	case KindOlder:
		if n.Value > w.MinSequence {
			w.MinSequence = n.Value
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: unhandled node kind %d", ErrCannotSatisfy, n.Kind)
	}
}

// allKeys reports whether every sub is a bare KindKey leaf, the shape
// thresh() needs to reduce to an OP_CHECKMULTISIG-equivalent script.
func allKeys(subs []Node) bool {
	for _, s := range subs {
		if s.Kind != KindKey {
			return false
		}
	}
	return true
}

func firstN(total, n int) []int {
	if n > total {
		n = total
	}
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// RequiredKeys returns every distinct key name in policy, across all of
// its branches, in the order they first appear.
func RequiredKeys(policy *Policy) []string {
	var names []string
	seen := map[string]struct{}{}
	var walk func(n Node)
	walk = func(n Node) {
		switch n.Kind {
		case KindKey:
			if _, ok := seen[n.KeyName]; !ok {
				seen[n.KeyName] = struct{}{}
				names = append(names, n.KeyName)
			}
		case KindMulti:
			for _, k := range n.Keys {
				walk(k)
			}
		default:
			for _, s := range n.Subs {
				walk(s)
			}
		}
	}
	walk(policy.Root)
	return names
}
