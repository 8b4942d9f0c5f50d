// Package canbus adapts isp.Bus onto a real SocketCAN link via
// github.com/brutella/can. A CAN data frame carries at most 8 bytes, while
// an ISP command/data frame (spec.md §4.1) does not, so this package
// fragments each outbound ISP frame into a short run of CAN frames and
// reassembles them on receive. Grounded on the teacher's socketcan.go
// adapter shape and on pkg/sdo's block-transfer sub-block framing for the
// fragmentation idiom (see SPEC_FULL.md §4.7 and DESIGN.md).
package canbus

import (
	"sync"

	"github.com/brutella/can"
	log "github.com/sirupsen/logrus"

	isp "github.com/malvira/ndlcom-isp"
)

// fragmentPayload is the number of ISP-frame bytes carried per CAN frame:
// 8 CAN data bytes minus one fragmentation-header byte.
const fragmentPayload = 7

// lastFragmentFlag marks the final fragment of a reassembled ISP frame in
// the fragmentation header byte; the low 7 bits carry a sequence number
// that the receiver does not check (fragments are assumed to arrive in
// order, matching spec.md §5's per-transfer ordering guarantee).
const lastFragmentFlag = 0x80

// Bus implements isp.Bus over SocketCAN.
type Bus struct {
	can     *can.Bus
	handler isp.FrameHandler

	mu         sync.Mutex
	reassembly map[isp.NodeID][]byte
}

// NewBus opens ifaceName (e.g. "can0", "vcan0") via SocketCAN.
func NewBus(ifaceName string) (*Bus, error) {
	raw, err := can.NewBusForInterfaceWithName(ifaceName)
	if err != nil {
		return nil, err
	}
	return &Bus{can: raw, reassembly: make(map[isp.NodeID][]byte)}, nil
}

// canID packs sender and dest into a CAN arbitration id.
func canID(sender, dest isp.NodeID) uint32 {
	return uint32(sender)<<8 | uint32(dest)
}

func senderDestFromID(id uint32) (sender isp.NodeID, dest isp.NodeID) {
	return isp.NodeID(id >> 8), isp.NodeID(id & 0xFF)
}

// Send implements isp.Bus: it fragments frame.Raw into fragmentPayload-byte
// chunks and publishes one CAN frame per chunk.
func (b *Bus) Send(frame isp.Frame) error {
	id := canID(frame.Sender, frame.Dest)
	total := len(frame.Raw)

	for seq, offset := 0, 0; offset < total; seq++ {
		end := offset + fragmentPayload
		last := false
		if end >= total {
			end = total
			last = true
		}
		chunk := frame.Raw[offset:end]

		var data [8]byte
		header := byte(seq & 0x7F)
		if last {
			header |= lastFragmentFlag
		}
		data[0] = header
		copy(data[1:], chunk)

		canFrame := can.Frame{ID: id, Length: uint8(1 + len(chunk)), Data: data}
		if err := b.can.Publish(canFrame); err != nil {
			return err
		}
		offset = end
	}
	return nil
}

// Subscribe implements isp.Bus.
func (b *Bus) Subscribe(handler isp.FrameHandler) error {
	b.handler = handler
	b.can.Subscribe(b)
	return nil
}

// Connect implements isp.Bus; extra arguments are ignored, matching the
// teacher's SocketcanBus.Connect signature.
func (b *Bus) Connect(...any) error {
	go b.can.ConnectAndPublish()
	return nil
}

// Handle implements github.com/brutella/can's Handler interface: it is
// invoked for every received CAN frame, reassembles ISP frames fragment by
// fragment, and forwards complete ones to the subscribed isp.FrameHandler.
func (b *Bus) Handle(frame can.Frame) {
	if frame.Length < 1 {
		return
	}
	sender, dest := senderDestFromID(frame.ID)
	header := frame.Data[0]
	last := header&lastFragmentFlag != 0
	payload := frame.Data[1:frame.Length]

	b.mu.Lock()
	buf := append(b.reassembly[sender], payload...)
	if last {
		delete(b.reassembly, sender)
	} else {
		b.reassembly[sender] = buf
	}
	b.mu.Unlock()

	if !last {
		return
	}
	if b.handler == nil {
		log.Warn("canbus: reassembled frame with no handler registered")
		return
	}
	b.handler.Handle(isp.Frame{Sender: sender, Dest: dest, Raw: buf})
}
