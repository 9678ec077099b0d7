// Package miniscript compiles a restricted grammar of output descriptors
// into a policy tree and satisfies that tree against a set of available
// partial signatures, per spec.md §4.5's descriptor and policy-path
// handling.
//
// Grounded on txscript's own recursive-descent script templates
// (ExtractPkScriptAddrs/GetScriptClass in the teacher's signer.go) for the
// general shape of "parse a locking condition, then walk it to build a
// witness"; the multi-of-threshold satisfaction order below mirrors
// OP_CHECKMULTISIG's ordered-subset requirement that txscript itself
// enforces when validating multisig inputs.
package miniscript

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
)

// Kind tags the variety of a policy Node.
type Kind int

const (
	KindKey Kind = iota
	KindMulti
	KindThresh
	KindOr
	KindAnd
	KindAfter
	KindOlder
)

// Node is one node of a compiled policy tree. Only Key is a leaf; every
// other kind holds Subs and/or a threshold K.
type Node struct {
	Kind Kind

	// KindKey
	KeyName string
	Key     *btcec.PublicKey

	// KindMulti: K-of-Keys, flattened (no sub-policies, matching
	// OP_CHECKMULTISIG / multi() semantics).
	Keys []Node

	// KindThresh, KindOr, KindAnd
	K    int
	Subs []Node

	// KindAfter, KindOlder
	Value uint32
}

// Policy is a compiled descriptor ready for Satisfy.
type Policy struct {
	Descriptor string
	Root       Node
	KeyIndex   map[string]*btcec.PublicKey // name -> key, for PolicyPath lookups
}

// ErrUnsupportedDescriptor is returned for grammar this package does not
// (yet) understand; per spec.md's Non-goals, only a practical subset of
// miniscript is supported.
var ErrUnsupportedDescriptor = fmt.Errorf("miniscript: unsupported descriptor")

// Compile parses a descriptor of the form:
//
//	wsh(multi(2,<hexA>,<hexB>))
//	tr(<hexInternal>,multi_a(2,<hexA>,<hexB>))
//	wsh(thresh(2,pk(<hexA>),pk(<hexB>),pk(<hexC>)))
//	wsh(or(pk(<hexA>),and(pk(<hexB>),older(144))))
//
// into a Policy. It strips the outer wsh()/tr()/sh() wrapper (the address
// type affects output script construction, handled by lnwallet, not
// policy satisfaction) and compiles the inner expression.
func Compile(descriptor string) (*Policy, error) {
	inner, err := unwrapAddressType(descriptor)
	if err != nil {
		return nil, err
	}

	p := &Parser{input: inner}
	root, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.input) {
		return nil, fmt.Errorf("%w: trailing input %q", ErrUnsupportedDescriptor, p.input[p.pos:])
	}

	idx := map[string]*btcec.PublicKey{}
	collectKeys(root, idx)

	return &Policy{Descriptor: descriptor, Root: root, KeyIndex: idx}, nil
}

func unwrapAddressType(descriptor string) (string, error) {
	d := strings.TrimSpace(descriptor)
	for _, prefix := range []string{"wsh(", "sh(", "tr("} {
		if strings.HasPrefix(d, prefix) && strings.HasSuffix(d, ")") {
			inner := d[len(prefix) : len(d)-1]
			if prefix == "tr(" {
				// tr(internal_key) or tr(internal_key,script)
				parts := splitTopLevel(inner)
				switch len(parts) {
				case 1:
					return "pk(" + parts[0] + ")", nil
				case 2:
					return parts[1], nil
				default:
					return "", fmt.Errorf("%w: tr() with %d parts", ErrUnsupportedDescriptor, len(parts))
				}
			}
			return inner, nil
		}
	}
	return d, nil
}

func collectKeys(n Node, idx map[string]*btcec.PublicKey) {
	switch n.Kind {
	case KindKey:
		if n.Key != nil {
			idx[n.KeyName] = n.Key
		}
	case KindMulti:
		for _, k := range n.Keys {
			collectKeys(k, idx)
		}
	default:
		for _, s := range n.Subs {
			collectKeys(s, idx)
		}
	}
}

// Parser is a minimal recursive-descent parser over the fragment grammar
// Compile accepts.
type Parser struct {
	input string
	pos   int
}

func (p *Parser) parseExpr() (Node, error) {
	fn, args, err := p.readCall()
	if err != nil {
		return Node{}, err
	}

	switch fn {
	case "pk":
		if len(args) != 1 {
			return Node{}, fmt.Errorf("%w: pk() wants 1 arg", ErrUnsupportedDescriptor)
		}
		key, err := parseKey(args[0])
		if err != nil {
			return Node{}, err
		}
		return Node{Kind: KindKey, KeyName: args[0], Key: key}, nil

	case "multi", "multi_a", "sortedmulti", "sortedmulti_a":
		if len(args) < 2 {
			return Node{}, fmt.Errorf("%w: multi() wants k and keys", ErrUnsupportedDescriptor)
		}
		k, err := strconv.Atoi(args[0])
		if err != nil {
			return Node{}, fmt.Errorf("%w: bad threshold %q", ErrUnsupportedDescriptor, args[0])
		}
		keys := make([]Node, 0, len(args)-1)
		for _, a := range args[1:] {
			key, err := parseKey(a)
			if err != nil {
				return Node{}, err
			}
			keys = append(keys, Node{Kind: KindKey, KeyName: a, Key: key})
		}
		return Node{Kind: KindMulti, K: k, Keys: keys}, nil

	case "thresh":
		if len(args) < 2 {
			return Node{}, fmt.Errorf("%w: thresh() wants k and subs", ErrUnsupportedDescriptor)
		}
		k, err := strconv.Atoi(args[0])
		if err != nil {
			return Node{}, fmt.Errorf("%w: bad threshold %q", ErrUnsupportedDescriptor, args[0])
		}
		subs, err := parseSubExprs(args[1:])
		if err != nil {
			return Node{}, err
		}
		return Node{Kind: KindThresh, K: k, Subs: subs}, nil

	case "or", "or_b", "or_c", "or_d", "or_i":
		subs, err := parseSubExprs(args)
		if err != nil {
			return Node{}, err
		}
		return Node{Kind: KindOr, K: 1, Subs: subs}, nil

	case "and", "and_v", "and_b":
		subs, err := parseSubExprs(args)
		if err != nil {
			return Node{}, err
		}
		return Node{Kind: KindAnd, K: len(subs), Subs: subs}, nil

	case "after":
		if len(args) != 1 {
			return Node{}, fmt.Errorf("%w: after() wants 1 arg", ErrUnsupportedDescriptor)
		}
		v, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return Node{}, fmt.Errorf("%w: bad locktime %q", ErrUnsupportedDescriptor, args[0])
		}
		return Node{Kind: KindAfter, Value: uint32(v)}, nil

	case "older":
		if len(args) != 1 {
			return Node{}, fmt.Errorf("%w: older() wants 1 arg", ErrUnsupportedDescriptor)
		}
		v, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return Node{}, fmt.Errorf("%w: bad sequence %q", ErrUnsupportedDescriptor, args[0])
		}
		return Node{Kind: KindOlder, Value: uint32(v)}, nil

	default:
		return Node{}, fmt.Errorf("%w: unknown fragment %q", ErrUnsupportedDescriptor, fn)
	}
}

func parseSubExprs(args []string) ([]Node, error) {
	subs := make([]Node, 0, len(args))
	for _, a := range args {
		sp := &Parser{input: a}
		n, err := sp.parseExpr()
		if err != nil {
			return nil, err
		}
		subs = append(subs, n)
	}
	return subs, nil
}

// readCall reads a "name(arg1,arg2,...)" call from p.input starting at
// p.pos, splitting arguments on commas that are not nested inside an
// inner pair of parentheses.
func (p *Parser) readCall() (string, []string, error) {
	start := p.pos
	for p.pos < len(p.input) && p.input[p.pos] != '(' {
		p.pos++
	}
	if p.pos == len(p.input) {
		return "", nil, fmt.Errorf("%w: expected '(' in %q", ErrUnsupportedDescriptor, p.input[start:])
	}
	name := p.input[start:p.pos]

	depth := 0
	argsStart := p.pos + 1
	for ; p.pos < len(p.input); p.pos++ {
		switch p.input[p.pos] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				args := splitTopLevel(p.input[argsStart:p.pos])
				p.pos++
				return name, args, nil
			}
		}
	}
	return "", nil, fmt.Errorf("%w: unbalanced parens in %q", ErrUnsupportedDescriptor, p.input[start:])
}

// splitTopLevel splits s on commas that are not nested inside
// parentheses.
func splitTopLevel(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	depth := 0
	last := 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, s[last:i])
				last = i + 1
			}
		}
	}
	out = append(out, s[last:])
	return out
}

// parseKey parses a hex-encoded compressed or x-only public key, stripping
// any "[fingerprint/path]" origin prefix and "/*" ranged-derivation suffix
// a descriptor key expression may carry.
func parseKey(raw string) (*btcec.PublicKey, error) {
	s := raw
	if i := strings.LastIndex(s, "]"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(s, "/*")
	s = strings.TrimSuffix(s, "/*'")

	b, err := hexDecode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: bad key %q: %v", ErrUnsupportedDescriptor, raw, err)
	}

	switch len(b) {
	case 32:
		// x-only key: ParsePubKey wants a 33-byte prefixed key, so
		// prepend the even-y tag (the odd-y point is not tried).
		return btcec.ParsePubKey(append([]byte{0x02}, b...))
	case 33:
		return btcec.ParsePubKey(b)
	default:
		return nil, fmt.Errorf("%w: key %q has unexpected length %d", ErrUnsupportedDescriptor, raw, len(b))
	}
}

func hexDecode(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		hi, err := hexNibble(s[2*i])
		if err != nil {
			return nil, err
		}
		lo, err := hexNibble(s[2*i+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex digit %q", c)
	}
}
