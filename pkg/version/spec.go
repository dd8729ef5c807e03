// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// interval is a half-open version range [Lo, Hi). Unbounded drops the upper
// limit.
type interval struct {
	Lo        Version
	Hi        Version
	Unbounded bool
}

func (iv interval) contains(v Version) bool {
	if v.Compare(iv.Lo) < 0 {
		return false
	}
	return iv.Unbounded || v.Compare(iv.Hi) < 0
}

func (iv interval) empty() bool {
	return !iv.Unbounded && iv.Hi.Compare(iv.Lo) <= 0
}

// succ returns the immediate successor of v in the total version order.
// "-" is the lowest character the build alphabet admits, so appending it
// yields the smallest version above v that still serializes legally.
func succ(v Version) Version {
	v.Build += "-"
	return v
}

// Spec is a set of versions, stored as sorted disjoint half-open intervals.
// The zero value is the empty set.
type Spec struct {
	ivals []interval
}

// Any matches every version.
func Any() Spec {
	return Spec{[]interval{{Lo: Version{}, Unbounded: true}}}
}

// Exactly matches the single version v.
func Exactly(v Version) Spec {
	return Spec{[]interval{{Lo: v, Hi: succ(v)}}}
}

// Between matches the half-open range [lo, hi).
func Between(lo, hi Version) Spec {
	return normalize([]interval{{Lo: lo, Hi: hi}})
}

// AtLeast matches every version at or above lo.
func AtLeast(lo Version) Spec {
	return Spec{[]interval{{Lo: lo, Unbounded: true}}}
}

// IsEmpty reports whether no version satisfies the spec.
func (s Spec) IsEmpty() bool { return len(s.ivals) == 0 }

// IsAny reports whether every version satisfies the spec.
func (s Spec) IsAny() bool {
	return len(s.ivals) == 1 && s.ivals[0].Unbounded && s.ivals[0].Lo.Equal(Version{})
}

// Contains reports membership of v.
func (s Spec) Contains(v Version) bool {
	for _, iv := range s.ivals {
		if iv.contains(v) {
			return true
		}
	}
	return false
}

func normalize(ivals []interval) Spec {
	kept := ivals[:0:0]
	for _, iv := range ivals {
		if !iv.empty() {
			kept = append(kept, iv)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Lo.Less(kept[j].Lo) })
	var merged []interval
	for _, iv := range kept {
		if n := len(merged); n > 0 {
			last := &merged[n-1]
			if last.Unbounded {
				continue
			}
			if iv.Lo.Compare(last.Hi) <= 0 {
				if iv.Unbounded {
					last.Unbounded = true
				} else if last.Hi.Less(iv.Hi) {
					last.Hi = iv.Hi
				}
				continue
			}
		}
		merged = append(merged, iv)
	}
	return Spec{merged}
}

// Union returns the set union of s and o.
func (s Spec) Union(o Spec) Spec {
	return normalize(append(append([]interval{}, s.ivals...), o.ivals...))
}

// Intersect returns the set intersection of s and o. Intersecting with Any
// is the identity; disjoint specs intersect to the empty spec.
func (s Spec) Intersect(o Spec) Spec {
	var out []interval
	for _, a := range s.ivals {
		for _, b := range o.ivals {
			lo := a.Lo
			if lo.Less(b.Lo) {
				lo = b.Lo
			}
			iv := interval{Lo: lo}
			switch {
			case a.Unbounded && b.Unbounded:
				iv.Unbounded = true
			case a.Unbounded:
				iv.Hi = b.Hi
			case b.Unbounded:
				iv.Hi = a.Hi
			case a.Hi.Less(b.Hi):
				iv.Hi = a.Hi
			default:
				iv.Hi = b.Hi
			}
			if !iv.empty() {
				out = append(out, iv)
			}
		}
	}
	return normalize(out)
}

// Equal reports whether s and o denote the same version set.
func (s Spec) Equal(o Spec) bool {
	if len(s.ivals) != len(o.ivals) {
		return false
	}
	for i := range s.ivals {
		a, b := s.ivals[i], o.ivals[i]
		if !a.Lo.Equal(b.Lo) || a.Unbounded != b.Unbounded {
			return false
		}
		if !a.Unbounded && !a.Hi.Equal(b.Hi) {
			return false
		}
	}
	return true
}

// String serializes to the canonical bracket form, e.g.
// "[1.2.0, 2.0.0), [3.0.0, *)". The empty spec renders as "[)". ParseSpec
// accepts this form back.
func (s Spec) String() string {
	if s.IsAny() {
		return "*"
	}
	if s.IsEmpty() {
		return "[)"
	}
	parts := make([]string, 0, len(s.ivals))
	for _, iv := range s.ivals {
		hi := "*"
		if !iv.Unbounded {
			hi = iv.Hi.String()
		}
		parts = append(parts, "["+iv.Lo.String()+", "+hi+")")
	}
	return strings.Join(parts, ", ")
}

// partialVersion holds a version prefix like "1" or "1.2".
type partialVersion struct {
	major, minor, patch int
	precision           int // 1..3 components given
}

func parsePartial(s string) (partialVersion, error) {
	var pv partialVersion
	parts := strings.Split(s, ".")
	if len(parts) < 1 || len(parts) > 3 {
		return pv, errors.Errorf("invalid version number %q", s)
	}
	nums := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return pv, errors.Errorf("invalid version number %q", s)
		}
		nums[i] = n
	}
	pv.precision = len(nums)
	pv.major = nums[0]
	if len(nums) > 1 {
		pv.minor = nums[1]
	}
	if len(nums) > 2 {
		pv.patch = nums[2]
	}
	return pv, nil
}

func (pv partialVersion) lower() Version {
	return Version{Major: pv.major, Minor: pv.minor, Patch: pv.patch}
}

// caretUpper implements the default compat rule: the upper bound sits at the
// next bump of the leftmost nonzero (or most precise given) component.
func (pv partialVersion) caretUpper() interval {
	lo := pv.lower()
	switch {
	case pv.major != 0:
		return interval{Lo: lo, Hi: Version{Major: pv.major + 1}}
	case pv.precision >= 2 && pv.minor != 0:
		return interval{Lo: lo, Hi: Version{Minor: pv.minor + 1}}
	case pv.precision == 3 && pv.patch != 0:
		return interval{Lo: lo, Hi: Version{Patch: pv.patch + 1}}
	case pv.precision == 1:
		return interval{Lo: lo, Hi: Version{Major: pv.major + 1}}
	case pv.precision == 2:
		return interval{Lo: lo, Hi: Version{Minor: pv.minor + 1}}
	default:
		return interval{Lo: lo, Hi: Version{Patch: pv.patch + 1}}
	}
}

func (pv partialVersion) tildeUpper() interval {
	lo := pv.lower()
	if pv.precision == 1 {
		return interval{Lo: lo, Hi: Version{Major: pv.major + 1}}
	}
	return interval{Lo: lo, Hi: Version{Major: pv.major, Minor: pv.minor + 1}}
}

// rangeUpper gives the exclusive upper bound of a hyphen range endpoint: the
// endpoint is inclusive at its given precision.
func (pv partialVersion) rangeUpper() Version {
	switch pv.precision {
	case 1:
		return Version{Major: pv.major + 1}
	case 2:
		return Version{Major: pv.major, Minor: pv.minor + 1}
	default:
		return succ(pv.lower())
	}
}

func parseBracket(term string) (interval, error) {
	body := strings.TrimSuffix(strings.TrimPrefix(term, "["), ")")
	lohi := strings.SplitN(body, ",", 2)
	if len(lohi) != 2 {
		return interval{}, errors.Errorf("invalid interval %q", term)
	}
	lo, err := Parse(strings.TrimSpace(lohi[0]))
	if err != nil {
		return interval{}, err
	}
	hiStr := strings.TrimSpace(lohi[1])
	if hiStr == "*" {
		return interval{Lo: lo, Unbounded: true}, nil
	}
	hi, err := Parse(hiStr)
	if err != nil {
		return interval{}, err
	}
	return interval{Lo: lo, Hi: hi}, nil
}

func parseTerm(term string) (interval, error) {
	switch {
	case term == "*":
		return interval{Lo: Version{}, Unbounded: true}, nil
	case strings.HasPrefix(term, "[") && strings.HasSuffix(term, ")"):
		return parseBracket(term)
	case strings.HasPrefix(term, "="):
		v, err := Parse(term[1:])
		if err != nil {
			return interval{}, err
		}
		return interval{Lo: v, Hi: succ(v)}, nil
	case strings.HasPrefix(term, "^"):
		pv, err := parsePartial(term[1:])
		if err != nil {
			return interval{}, err
		}
		return pv.caretUpper(), nil
	case strings.HasPrefix(term, "~"):
		pv, err := parsePartial(term[1:])
		if err != nil {
			return interval{}, err
		}
		return pv.tildeUpper(), nil
	case strings.Contains(term, "-"):
		bounds := strings.SplitN(term, "-", 2)
		lo, err := parsePartial(strings.TrimSpace(bounds[0]))
		if err != nil {
			return interval{}, err
		}
		rhs := strings.TrimSpace(bounds[1])
		if rhs == "*" {
			return interval{Lo: lo.lower(), Unbounded: true}, nil
		}
		hi, err := parsePartial(rhs)
		if err != nil {
			return interval{}, err
		}
		return interval{Lo: lo.lower(), Hi: hi.rangeUpper()}, nil
	default:
		pv, err := parsePartial(term)
		if err != nil {
			return interval{}, err
		}
		return pv.caretUpper(), nil
	}
}

// ParseSpec decodes the registry shorthand: "*", "M", "M.N", "M.N.P"
// (caret semantics), "^x", "~x", "=M.N.P", hyphen ranges "M.N-K.L", open
// ranges "M-*", the canonical bracket form, and comma-separated unions of
// any of these.
func ParseSpec(s string) (Spec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Spec{}, errors.New("empty version spec")
	}
	// Commas inside brackets bind to the interval, not the union.
	var terms []string
	depth := 0
	start := 0
	for i, r := range s {
		switch r {
		case '[':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				terms = append(terms, s[start:i])
				start = i + 1
			}
		}
	}
	terms = append(terms, s[start:])
	var ivals []interval
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		iv, err := parseTerm(term)
		if err != nil {
			return Spec{}, errors.Wrapf(err, "parsing spec %q", s)
		}
		ivals = append(ivals, iv)
	}
	if len(ivals) == 0 {
		return Spec{}, errors.Errorf("empty version spec %q", s)
	}
	return normalize(ivals), nil
}

// Single reports whether the spec admits exactly one version, and returns
// it. Only specs built by Exactly (or parsed from "=x.y.z") qualify.
func (s Spec) Single() (Version, bool) {
	if len(s.ivals) != 1 || s.ivals[0].Unbounded {
		return Version{}, false
	}
	iv := s.ivals[0]
	if iv.Hi.Equal(succ(iv.Lo)) {
		return iv.Lo, true
	}
	return Version{}, false
}

// MustParseSpec parses a spec known to be valid at compile time.
func MustParseSpec(s string) Spec {
	spec, err := ParseSpec(s)
	if err != nil {
		panic(err)
	}
	return spec
}
