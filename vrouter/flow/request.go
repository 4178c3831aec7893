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


package flow

import (
	"encoding/binary"
	"net/netip"

	"github.com/vrflow/vrflow/pkg/private/serrors"
)

// Request describes an entry as supplied by the agent. Addresses are split
// in an upper and a lower 64 bit half in network order; IPv4 addresses are
// carried in the low 32 bits of the lower half.
type Request struct {
	Index  int32  `json:"fr_index"`
	RIndex int32  `json:"fr_rindex"`
	GenID  uint8  `json:"fr_gen_id"`
	Family Family `json:"fr_family"`
	Proto  uint8  `json:"fr_flow_proto"`

	FlowSipU  uint64 `json:"fr_flow_sip_u"`
	FlowSipL  uint64 `json:"fr_flow_sip_l"`
	FlowDipU  uint64 `json:"fr_flow_dip_u"`
	FlowDipL  uint64 `json:"fr_flow_dip_l"`
	FlowSport uint16 `json:"fr_flow_sport"`
	FlowDport uint16 `json:"fr_flow_dport"`
	FlowNhID  uint32 `json:"fr_flow_nh_id"`

	RflowSipU  uint64 `json:"fr_rflow_sip_u"`
	RflowSipL  uint64 `json:"fr_rflow_sip_l"`
	RflowDipU  uint64 `json:"fr_rflow_dip_u"`
	RflowDipL  uint64 `json:"fr_rflow_dip_l"`
	RflowSport uint16 `json:"fr_rflow_sport"`
	RflowDport uint16 `json:"fr_rflow_dport"`
	RflowNhID  uint32 `json:"fr_rflow_nh_id"`

	Action            Action     `json:"fr_action"`
	Flags             uint16     `json:"fr_flags"`
	Flags1            uint16     `json:"fr_flags1"`
	VRF               uint16     `json:"fr_flow_vrf"`
	DVRF              uint16     `json:"fr_flow_dvrf"`
	MirrorID          uint8      `json:"fr_mir_id"`
	SecMirrorID       uint8      `json:"fr_sec_mir_id"`
	SrcNhIndex        uint32     `json:"fr_src_nh_index"`
	ECMPNhIndex       int8       `json:"fr_ecmp_nh_index"`
	UnderlayECMPIndex int8       `json:"fr_underlay_ecmp_index"`
	DropReason        DropReason `json:"fr_drop_reason"`
	QosID             int16      `json:"fr_qos_id"`
	TTL               uint8      `json:"fr_ttl"`
}

// SplitAddr splits a into the upper and lower halves used in requests.
func SplitAddr(a netip.Addr) (upper, lower uint64) {
	if a.Is4() {
		b := a.As4()
		return 0, uint64(binary.BigEndian.Uint32(b[:]))
	}
	b := a.As16()
	return binary.BigEndian.Uint64(b[:8]), binary.BigEndian.Uint64(b[8:])
}

func joinAddr(f Family, upper, lower uint64) netip.Addr {
	if f == FamilyInet {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(lower))
		return netip.AddrFrom4(b)
	}
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], upper)
	binary.BigEndian.PutUint64(b[8:], lower)
	return netip.AddrFrom16(b)
}

// FlowKey returns the key of the forward entry described by the request.
func (r *Request) FlowKey() Key {
	return NewKey(r.FlowNhID, r.Proto,
		joinAddr(r.Family, r.FlowSipU, r.FlowSipL), joinAddr(r.Family, r.FlowDipU, r.FlowDipL),
		r.FlowSport, r.FlowDport, KeyAll)
}

// ReverseKey returns the key of the reverse entry described by the request.
func (r *Request) ReverseKey() Key {
	return NewKey(r.RflowNhID, r.Proto,
		joinAddr(r.Family, r.RflowSipU, r.RflowSipL), joinAddr(r.Family, r.RflowDipU, r.RflowDipL),
		r.RflowSport, r.RflowDport, KeyAll)
}

// SetFlowKey fills the forward key fields of the request from k.
func (r *Request) SetFlowKey(k Key) {
	r.Family, r.Proto = k.Family(), k.Proto
	r.FlowSipU, r.FlowSipL = SplitAddr(k.Src)
	r.FlowDipU, r.FlowDipL = SplitAddr(k.Dst)
	r.FlowSport, r.FlowDport, r.FlowNhID = k.SrcPort, k.DstPort, k.NhID
}

// SetReverseKey fills the reverse key fields of the request from k.
func (r *Request) SetReverseKey(k Key) {
	r.RflowSipU, r.RflowSipL = SplitAddr(k.Src)
	r.RflowDipU, r.RflowDipL = SplitAddr(k.Dst)
	r.RflowSport, r.RflowDport, r.RflowNhID = k.SrcPort, k.DstPort, k.NhID
}

func (r *Request) attrs() Attrs {
	return Attrs{
		VRF:               r.VRF,
		DVRF:              r.DVRF,
		MirrorID:          r.MirrorID,
		SecMirrorID:       r.SecMirrorID,
		SrcNhIndex:        r.SrcNhIndex,
		ECMPNhIndex:       r.ECMPNhIndex,
		UnderlayECMPIndex: r.UnderlayECMPIndex,
		DropReason:        r.DropReason,
		QosID:             r.QosID,
		TTL:               r.TTL,
		Flags1:            r.Flags1,
	}
}

// Set creates or updates an entry from an agent request. With Index -1 a new
// entry is created for the forward key; if the request has the reverse-valid
// flag and RIndex -1, the reverse entry is created from the reverse key as
// well. Otherwise the entry at Index is updated; its generation and key must
// match the request. The returned handle refers to the forward entry.
func (t *Table) Set(r Request) (Handle, error) {
	if r.Action > ActionNat {
		return InvalidHandle, serrors.New("invalid flow action", "action", r.Action)
	}
	if r.Family != FamilyInet && r.Family != FamilyInet6 {
		return InvalidHandle, serrors.New("invalid flow family", "family", r.Family)
	}
	flags := FlagsFromWire(r.Flags) &^ FlagDatapathMask
	if r.Index < 0 {
		return t.create(r, flags)
	}
	e := t.At(r.Index)
	if e == nil || !e.Active() || uint8(e.Gen()) != r.GenID {
		return InvalidHandle, serrors.JoinNoStack(ErrStaleHandle, nil,
			"index", r.Index, "gen", r.GenID)
	}
	if e.Key() != r.FlowKey() {
		return InvalidHandle, serrors.New("flow key mismatch", "index", r.Index,
			"have", e.Key(), "want", r.FlowKey())
	}
	t.update(e, r, flags)
	return e.Handle(), nil
}

func (t *Table) create(r Request, flags Flags) (Handle, error) {
	k := r.FlowKey()
	withReverse := flags.Has(FlagReverseValid) && r.RIndex < 0
	rk := k
	if withReverse {
		rk = r.ReverseKey()
	}
	fb, rb := t.bucketOf(k), t.bucketOf(rk)
	unlock := t.lockBuckets(fb, rb)
	if e := t.find(fb, k); e != nil {
		unlock()
		return InvalidHandle, serrors.JoinNoStack(ErrExists, nil, "index", e.index)
	}
	if withReverse && rk != k && t.find(rb, rk) != nil {
		unlock()
		return InvalidHandle, serrors.JoinNoStack(ErrExists, nil, "key", rk)
	}
	fidx, ok := t.reserve(fb)
	if !ok {
		unlock()
		return InvalidHandle, serrors.JoinNoStack(ErrTableFull, nil, "bucket", fb)
	}
	ridx := int32(-1)
	if withReverse && rk != k {
		if ridx, ok = t.reserve(rb); !ok {
			t.unreserve(fidx)
			unlock()
			return InvalidHandle, serrors.JoinNoStack(ErrTableFull, nil, "bucket", rb)
		}
	}
	a := r.attrs()
	fe := &t.entries[fidx]
	fe.init(k, a, flags|FlagActive, r.Action)
	if ridx >= 0 {
		ra := a
		ra.VRF, ra.DVRF = a.DVRF, a.VRF
		t.entries[ridx].init(rk, ra, reverseNat(flags)|FlagActive, r.Action)
		t.entries[ridx].rflow.Store(fidx)
		fe.rflow.Store(ridx)
		t.publish(rb, ridx)
	} else if r.RIndex >= 0 {
		fe.rflow.Store(r.RIndex)
	}
	if fe.rflow.Load() < 0 {
		fe.clearFlags(FlagReverseValid)
	}
	t.publish(fb, fidx)
	unlock()
	if r.Action == ActionHold {
		// Management requests are accounted on the first shard.
		t.hold.inc(0)
		if ridx >= 0 {
			t.hold.inc(0)
		}
	}
	t.actionCount.Add(1)
	return fe.Handle(), nil
}

// reverseNat returns the flags of the reverse direction of a translated
// flow: source translation in one direction is destination translation in
// the other.
func reverseNat(f Flags) Flags {
	r := f &^ FlagNatMask
	if f&FlagSnat != 0 {
		r |= FlagDnat
	}
	if f&FlagDnat != 0 {
		r |= FlagSnat
	}
	if f&FlagSpat != 0 {
		r |= FlagDpat
	}
	if f&FlagDpat != 0 {
		r |= FlagSpat
	}
	return r
}

func (t *Table) update(e *Entry, r Request, flags Flags) {
	a := r.attrs()
	e.attrs.Store(&a)
	if r.RIndex >= 0 {
		e.rflow.Store(r.RIndex)
	}
	if e.rflow.Load() < 0 {
		flags &^= FlagReverseValid
	}
	// Keep the data plane owned flags, replace the rest.
	for {
		old := e.flags.Load()
		next := old&uint32(FlagDatapathMask) | uint32(flags|FlagActive|FlagModified)
		if e.flags.CompareAndSwap(old, next) {
			break
		}
	}
	t.changed.Add(1)
	t.setAction(e, r.Action)
}

// Request returns the request describing the entry, as the agent would
// have supplied it.
func (e *Entry) Request() Request {
	a := e.Attrs()
	r := Request{
		Index:             e.index,
		RIndex:            e.Reverse(),
		GenID:             uint8(e.Gen()),
		Action:            e.Action(),
		Flags:             e.Flags().Wire(),
		Flags1:            a.Flags1,
		VRF:               a.VRF,
		DVRF:              a.DVRF,
		MirrorID:          a.MirrorID,
		SecMirrorID:       a.SecMirrorID,
		SrcNhIndex:        a.SrcNhIndex,
		ECMPNhIndex:       a.ECMPNhIndex,
		UnderlayECMPIndex: a.UnderlayECMPIndex,
		DropReason:        a.DropReason,
		QosID:             a.QosID,
		TTL:               a.TTL,
	}
	r.SetFlowKey(e.Key())
	return r
}
