// SPDX-License-Identifier: GPL-3.0

package tsch

// PacketType distinguishes application DATA frames from MAC-layer CONTROL
// frames carrying 6top/OTF signaling.
type PacketType int

const (
	DATA PacketType = iota
	CONTROL
)

// ControlOp is the 6top/OTF operation carried by a CONTROL packet.
type ControlOp int

const (
	OpReq ControlOp = iota
	OpAnswer
	OpConfirmation
	OpOTF
)

// tschMaxTxRetries is the initial retriesLeft for a DATA packet.
const tschMaxTxRetries = 5

// CellRef names a (slot offset, channel) pair carried in CONTROL negotiation
// payloads, independent of either side's live Cell record.
type CellRef struct {
	Slot int
	Ch   int
}

// ControlPayload carries 6top/OTF negotiation fields, present only on
// CONTROL packets.
type ControlPayload struct {
	Op        ControlOp
	Peer      MoteID
	Dir       CellDir // direction the requester wants relative to itself
	NumCells  int
	UsedSlots []int // peerUsedSlots hint from the requester
	Cells     []CellRef
	Seq       uint32
	OTFStart  bool
}

// Packet is a queued frame, either DATA or CONTROL.
type Packet struct {
	EnqueueASN  ASN
	Type        PacketType
	SrcID       MoteID
	OriginASN   ASN
	HopCount    int
	RetriesLeft int
	Control     *ControlPayload
}

// clone deep-copies a packet for relaying (payload fields preserved
// except hop count).
func (p *Packet) clone() *Packet {
	c := *p
	if p.Control != nil {
		cc := *p.Control
		cc.UsedSlots = append([]int(nil), p.Control.UsedSlots...)
		cc.Cells = append([]CellRef(nil), p.Control.Cells...)
		c.Control = &cc
	}
	return &c
}

func newDataPacket(srcID MoteID, originASN ASN, hops int) *Packet {
	return &Packet{
		Type:        DATA,
		SrcID:       srcID,
		OriginASN:   originASN,
		HopCount:    hops,
		RetriesLeft: tschMaxTxRetries,
	}
}

func newControlPacket(srcID MoteID, originASN ASN, ctrl ControlPayload) *Packet {
	return &Packet{
		Type:        CONTROL,
		SrcID:       srcID,
		OriginASN:   originASN,
		RetriesLeft: tschMaxTxRetries,
		Control:     &ctrl,
	}
}
