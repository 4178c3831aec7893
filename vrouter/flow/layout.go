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
	"io"

	"github.com/vrflow/vrflow/pkg/private/serrors"
)

// RecordLen is the size of one entry in the packed table layout.
const RecordLen = 256

// Offsets of the fields in the packed entry record. Multi-byte fields other
// than the ports of the key are little endian.
const (
	offHentryIndex     = 8
	offHentryNextIndex = 12
	offHentryFlags     = 16
	offTTL             = 17
	offQosID           = 18
	offKey             = 20
	offKeyLen          = offKey + KeyLenMax
	offGen             = 65
	offTCPFlags        = 66
	offHoldList        = 68
	offTCPSeq          = 76
	offRflow           = 80
	offFlags           = 84
	offFlags1          = 86
	offAction          = 88
	offVRF             = 90
	offDVRF            = 92
	offMirrorID        = 94
	offSecMirrorID     = 95
	offSrcNhIndex      = 96
	offStatsBytes      = 100
	offStatsPackets    = 104
	offStatsBytesOflow = 108
	offStatsPktsOflow  = 110
	offECMPNhIndex     = 111
	offDropReason      = 112
	offType            = 113
	offUDPSrcPort      = 114
	offSrcInfo         = 116
	offTCPAck          = 128
	offUnderlayECMP    = 132
)

const (
	hentryValid = 0x1

	typeInet  = 1
	typeInet6 = 2
)

// Record is the decoded form of a packed entry record.
type Record struct {
	Index    int32
	Valid    bool
	Key      Key
	Gen      uint8
	TCPFlags TCPFlags
	Rflow    int32
	Flags    Flags
	Action   Action
	Attrs    Attrs
	Packets  uint64
	Bytes    uint64
	TCPSeq   uint32
	TCPAck   uint32
}

// AppendRecord appends the packed record of the entry to b.
func (e *Entry) AppendRecord(b []byte) []byte {
	start := len(b)
	b = append(b, make([]byte, RecordLen)...)
	r := b[start:]
	le := binary.LittleEndian

	le.PutUint32(r[offHentryIndex:], uint32(e.index))
	le.PutUint32(r[offHentryNextIndex:], uint32(e.next.Load()))
	if slotState(e.state.Load()) != slotActive {
		return b
	}
	r[offHentryFlags] = hentryValid
	a := e.Attrs()
	k := e.Key()
	r[offTTL] = a.TTL
	le.PutUint16(r[offQosID:], uint16(a.QosID))
	if k.Valid() {
		k.put(r[offKey:])
		r[offKeyLen] = byte(k.Len())
	}
	r[offGen] = uint8(e.Gen())
	le.PutUint16(r[offTCPFlags:], uint16(e.TCPFlags()))
	le.PutUint32(r[offTCPSeq:], e.tcpSeq.Load())
	le.PutUint32(r[offRflow:], uint32(e.rflow.Load()))
	le.PutUint16(r[offFlags:], e.Flags().Wire())
	le.PutUint16(r[offFlags1:], a.Flags1)
	le.PutUint16(r[offAction:], uint16(e.Action()))
	le.PutUint16(r[offVRF:], a.VRF)
	le.PutUint16(r[offDVRF:], a.DVRF)
	r[offMirrorID] = a.MirrorID
	r[offSecMirrorID] = a.SecMirrorID
	le.PutUint32(r[offSrcNhIndex:], a.SrcNhIndex)
	packets, bytes := e.Stats()
	le.PutUint32(r[offStatsBytes:], uint32(bytes))
	le.PutUint32(r[offStatsPackets:], uint32(packets))
	le.PutUint16(r[offStatsBytesOflow:], uint16(bytes>>32))
	r[offStatsPktsOflow] = uint8(packets >> 32)
	r[offECMPNhIndex] = uint8(a.ECMPNhIndex)
	r[offDropReason] = uint8(a.DropReason)
	switch k.Family() {
	case FamilyInet:
		r[offType] = typeInet
	case FamilyInet6:
		r[offType] = typeInet6
	}
	le.PutUint16(r[offUDPSrcPort:], a.UDPSrcPort)
	le.PutUint32(r[offSrcInfo:], a.SrcInfo)
	le.PutUint32(r[offTCPAck:], e.tcpAck.Load())
	r[offUnderlayECMP] = uint8(a.UnderlayECMPIndex)
	return b
}

// ParseRecord decodes a packed entry record.
func ParseRecord(r []byte) (Record, error) {
	if len(r) < RecordLen {
		return Record{}, serrors.New("flow record too short", "len", len(r))
	}
	le := binary.LittleEndian
	rec := Record{
		Index: int32(le.Uint32(r[offHentryIndex:])),
		Valid: r[offHentryFlags]&hentryValid != 0,
	}
	if !rec.Valid {
		return rec, nil
	}
	kl := int(r[offKeyLen])
	if kl > KeyLenMax {
		return rec, serrors.New("invalid flow key length", "index", rec.Index, "len", kl)
	}
	if err := rec.Key.UnmarshalBinary(r[offKey : offKey+kl]); err != nil {
		return rec, serrors.Wrap("decoding flow key", err, "index", rec.Index)
	}
	rec.Gen = r[offGen]
	rec.TCPFlags = TCPFlags(le.Uint16(r[offTCPFlags:]))
	rec.TCPSeq = le.Uint32(r[offTCPSeq:])
	rec.Rflow = int32(le.Uint32(r[offRflow:]))
	rec.Flags = FlagsFromWire(le.Uint16(r[offFlags:]))
	rec.Action = Action(le.Uint16(r[offAction:]))
	rec.Attrs = Attrs{
		VRF:               le.Uint16(r[offVRF:]),
		DVRF:              le.Uint16(r[offDVRF:]),
		MirrorID:          r[offMirrorID],
		SecMirrorID:       r[offSecMirrorID],
		SrcNhIndex:        le.Uint32(r[offSrcNhIndex:]),
		ECMPNhIndex:       int8(r[offECMPNhIndex]),
		UnderlayECMPIndex: int8(r[offUnderlayECMP]),
		DropReason:        DropReason(r[offDropReason]),
		UDPSrcPort:        le.Uint16(r[offUDPSrcPort:]),
		SrcInfo:           le.Uint32(r[offSrcInfo:]),
		QosID:             int16(le.Uint16(r[offQosID:])),
		TTL:               r[offTTL],
		Flags1:            le.Uint16(r[offFlags1:]),
	}
	rec.Bytes = uint64(le.Uint32(r[offStatsBytes:])) |
		uint64(le.Uint16(r[offStatsBytesOflow:]))<<32
	rec.Packets = uint64(le.Uint32(r[offStatsPackets:])) |
		uint64(r[offStatsPktsOflow])<<32
	rec.TCPAck = le.Uint32(r[offTCPAck:])
	return rec, nil
}

// WriteTo writes the packed records of all slots, primary entries first,
// to w. It implements io.WriterTo.
func (t *Table) WriteTo(w io.Writer) (int64, error) {
	const batch = 64
	buf := make([]byte, 0, batch*RecordLen)
	var n int64
	for i := range t.entries {
		buf = t.entries[i].AppendRecord(buf)
		if len(buf) < cap(buf) && i != len(t.entries)-1 {
			continue
		}
		m, err := w.Write(buf)
		n += int64(m)
		if err != nil {
			return n, serrors.Wrap("writing flow records", err, "index", i)
		}
		buf = buf[:0]
	}
	return n, nil
}

// Info is a snapshot of the table counters.
type Info struct {
	Entries         int         `json:"entries"`
	OverflowEntries int         `json:"overflow_entries"`
	Added           uint64      `json:"added"`
	Deleted         uint64      `json:"deleted"`
	Changed         uint64      `json:"changed"`
	ActionCount     uint64      `json:"action_count"`
	OverflowInUse   int64       `json:"overflow_in_use"`
	Burst           BurstConfig `json:"burst"`
	BurstTokens     uint64      `json:"burst_tokens"`
	BurstUsed       uint64      `json:"burst_used"`
	HoldCount       uint64      `json:"hold_count"`
	HoldShards      []uint32    `json:"hold_shards"`
	Released        uint64      `json:"released"`
}

// Info returns the current table counters.
func (t *Table) Info() Info {
	cfg, tokens := t.burst.state()
	return Info{
		Entries:         t.cfg.Entries,
		OverflowEntries: t.cfg.OverflowEntries,
		Added:           t.added.Load(),
		Deleted:         t.deleted.Load(),
		Changed:         t.changed.Load(),
		ActionCount:     t.actionCount.Load(),
		OverflowInUse:   t.oflows.Load(),
		Burst:           cfg,
		BurstTokens:     tokens,
		BurstUsed:       t.burst.used.Load(),
		HoldCount:       t.hold.count(),
		HoldShards:      t.hold.snapshot(),
		Released:        t.hold.released.Load(),
	}
}
