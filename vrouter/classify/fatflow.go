// Copyright 2025 vrflow authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package classify

import (
	"net/netip"
	"sync"

	"go4.org/netipx"

	"github.com/vrflow/vrflow/pkg/private/serrors"
	"github.com/vrflow/vrflow/vrouter/fwd"
)

// FatFlowRule coarsens the keys of the flows it matches.
type FatFlowRule struct {
	Proto uint8
	// Port is matched against the destination port first and then against
	// the source port. 0 matches any port.
	Port uint16
	Mask fwd.FatFlowMask
	// SrcAggregate aggregates source addresses within it to prefixes of
	// SrcAggregateLen bits. Ignored if not valid.
	SrcAggregate    netip.Prefix
	SrcAggregateLen int
	DstAggregate    netip.Prefix
	DstAggregateLen int
	// Exclude lists the networks the rule never applies to, neither as
	// source nor as destination.
	Exclude []netip.Prefix
}

func (r FatFlowRule) validate() error {
	check := func(p netip.Prefix, l int, field string) error {
		if !p.IsValid() {
			return nil
		}
		if l < p.Bits() || l > p.Addr().BitLen() {
			return serrors.New("invalid aggregation length", "field", field,
				"prefix", p, "len", l)
		}
		return nil
	}
	if err := check(r.SrcAggregate, r.SrcAggregateLen, "src"); err != nil {
		return err
	}
	return check(r.DstAggregate, r.DstAggregateLen, "dst")
}

type fatFlowRule struct {
	FatFlowRule
	exclude *netipx.IPSet
}

// apply returns the mask of the rule and aggregates the addresses. If the
// rule matched on the source port, the packet travels from the service to
// the client and the rule is applied mirrored.
func (r *fatFlowRule) apply(src, dst *netip.Addr, mirrored bool) fwd.FatFlowMask {
	if r.exclude != nil && (r.exclude.Contains(*src) || r.exclude.Contains(*dst)) {
		return fwd.FatFlowNoMask
	}
	if !mirrored {
		aggregate(src, r.SrcAggregate, r.SrcAggregateLen)
		aggregate(dst, r.DstAggregate, r.DstAggregateLen)
		return r.Mask
	}
	aggregate(dst, r.SrcAggregate, r.SrcAggregateLen)
	aggregate(src, r.DstAggregate, r.DstAggregateLen)
	return mirror(r.Mask)
}

func mirror(m fwd.FatFlowMask) fwd.FatFlowMask {
	var out fwd.FatFlowMask
	if m&fwd.FatFlowSrcPort != 0 {
		out |= fwd.FatFlowDstPort
	}
	if m&fwd.FatFlowDstPort != 0 {
		out |= fwd.FatFlowSrcPort
	}
	if m&fwd.FatFlowSrcIP != 0 {
		out |= fwd.FatFlowDstIP
	}
	if m&fwd.FatFlowDstIP != 0 {
		out |= fwd.FatFlowSrcIP
	}
	return out
}

func aggregate(a *netip.Addr, p netip.Prefix, l int) {
	if !p.IsValid() || !p.Contains(*a) {
		return
	}
	// l was validated against the family of p, which contains a.
	*a = netip.PrefixFrom(*a, l).Masked().Addr()
}

// FatFlowTable holds the fat-flow rules of the interfaces. It implements
// fwd.FatFlowPolicy.
type FatFlowTable struct {
	mu    sync.RWMutex
	rules map[uint16][]fatFlowRule
}

// NewFatFlowTable creates an empty table.
func NewFatFlowTable() *FatFlowTable {
	return &FatFlowTable{rules: make(map[uint16][]fatFlowRule)}
}

// Set replaces the rules of interface ifID. Earlier rules take precedence
// among rules that match the same port.
func (t *FatFlowTable) Set(ifID uint16, rules []FatFlowRule) error {
	compiled := make([]fatFlowRule, 0, len(rules))
	for i, r := range rules {
		if err := r.validate(); err != nil {
			return serrors.Wrap("validating fat-flow rule", err, "interface", ifID, "rule", i)
		}
		c := fatFlowRule{FatFlowRule: r}
		if len(r.Exclude) > 0 {
			var sb netipx.IPSetBuilder
			for _, p := range r.Exclude {
				sb.AddPrefix(p)
			}
			set, err := sb.IPSet()
			if err != nil {
				return serrors.Wrap("building exclusion set", err, "interface", ifID, "rule", i)
			}
			c.exclude = set
		}
		compiled = append(compiled, c)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(compiled) == 0 {
		delete(t.rules, ifID)
		return nil
	}
	t.rules[ifID] = compiled
	return nil
}

// Rules returns the rules of interface ifID.
func (t *FatFlowTable) Rules(ifID uint16) []FatFlowRule {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rules := make([]FatFlowRule, 0, len(t.rules[ifID]))
	for _, r := range t.rules[ifID] {
		rules = append(rules, r.FatFlowRule)
	}
	return rules
}

// FatFlowMask returns the mask of the first rule of the ingress interface
// that matches. The destination port is tried first, then the source port,
// then the wildcard port. Matching rules with an aggregation prefix rewrite
// src and dst.
func (t *FatFlowTable) FatFlowMask(_ uint16, ingress *fwd.Interface, proto uint8,
	sport, dport uint16, src, dst *netip.Addr) fwd.FatFlowMask {

	if ingress == nil {
		return fwd.FatFlowNoMask
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	rules := t.rules[ingress.ID]
	if len(rules) == 0 {
		return fwd.FatFlowNoMask
	}
	for i, port := range [...]uint16{dport, sport, 0} {
		for j := range rules {
			if rules[j].Proto == proto && rules[j].Port == port {
				return rules[j].apply(src, dst, i == 1 && port != 0)
			}
		}
	}
	return fwd.FatFlowNoMask
}
