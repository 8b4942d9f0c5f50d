package isp

import (
	"io"

	log "github.com/sirupsen/logrus"
)

// Slave accepts one master at a time, mutates local flash via write,
// serves flash via read, and ACKs every accepted command/data frame.
// Grounded structurally on pkg/lss/slave.go (peer-latching Handle, a
// per-command dispatch table) and on original_source/src/isp.c's
// ispSlaveCmdHandler/ispSlaveDataHandler for the transition table.
type Slave struct {
	*BusManager
	logger *log.Entry

	read  Reader
	write Writer
	exec  Execer

	peerID    NodeID
	state     State
	startAddr uint32
	offset    uint32
	length    uint32

	cancel func()
}

// NewSlave creates a slave engine in StateIdle, peer_id = BroadcastID, and
// registers it with bm. exec may be nil if this slave never honours
// EXECUTE (in which case EXECUTE is ACKed but has no effect).
func NewSlave(bm *BusManager, read Reader, write Writer, exec Execer) (*Slave, error) {
	s := &Slave{
		BusManager: bm,
		logger:     log.WithField("component", "isp-slave"),
		read:       read,
		write:      write,
		exec:       exec,
		peerID:     BroadcastID,
		state:      StateIdle,
	}
	cancel, err := bm.Subscribe(s)
	if err != nil {
		return nil, err
	}
	s.cancel = cancel
	return s, nil
}

// Close unregisters the slave from its bus manager.
func (s *Slave) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// IsBusy reports whether a transfer is in progress (true unless State is
// IDLE or ERROR).
func (s *Slave) IsBusy() bool {
	return !s.state.notBusy()
}

// State returns the engine's current state.
func (s *Slave) State() State { return s.state }

// Offset returns bytes transferred so far in the current (or most recent)
// upload.
func (s *Slave) Offset() uint32 { return s.offset }

// Reset returns the slave to StateIdle, for use by external code after
// observing a terminal ERROR (spec.md §4.4: "ERROR is sticky until the
// engine is re-armed by external logic").
func (s *Slave) Reset() {
	s.state = StateIdle
}

// Handle implements FrameListener. While busy, frames from any sender
// other than the current peer are dropped; otherwise the sender is latched
// as the new peer before dispatch (spec.md §4.3).
func (s *Slave) Handle(frame Frame) {
	if s.IsBusy() && frame.Sender != s.peerID {
		return
	}
	s.peerID = frame.Sender

	reprID, err := PeekReprID(frame.Raw)
	if err != nil {
		return
	}
	switch reprID {
	case ReprIspCommand:
		cmd, err := DecodeCommandFrame(frame.Raw)
		if err != nil {
			return
		}
		s.handleCommand(cmd)
	case ReprIspData:
		data, err := DecodeDataFrame(frame.Raw)
		if err != nil {
			return
		}
		s.handleData(data)
	default:
		// Unknown repr id: dropped (spec.md §7 taxonomy item 6).
	}
}

func (s *Slave) handleCommand(cmd CommandFrame) {
	switch cmd.Command {
	case CmdUpload:
		if s.state != StateIdle {
			return
		}
		s.startAddr = cmd.Address
		s.offset = 0
		s.length = cmd.Length
		s.ack(cmd.Address)
		s.state = StateUploading
		s.logger.WithFields(log.Fields{"peer": s.peerID, "addr": s.startAddr, "len": s.length}).Info("accepted upload")

	case CmdDownload:
		if s.state != StateIdle {
			return
		}
		s.startAddr = cmd.Address
		s.offset = 0
		s.length = cmd.Length
		// A slave is state-free during download: each DOWNLOAD command
		// drives exactly one reply block and the slave remains IDLE
		// (spec.md §4.3).
		if _, err := s.sendData(); err != nil {
			s.logger.WithError(err).Error("read failed serving download")
		}

	case CmdExecute:
		if s.state != StateIdle {
			return
		}
		s.ack(cmd.Address)
		if s.exec != nil {
			s.exec.Exec()
		}

	case CmdAbort:
		s.ack(cmd.Address)
		s.state = StateIdle

	case CmdAck:
		// ACK is ignored on the slave side.
	}
}

func (s *Slave) handleData(data DataFrame) {
	if s.state != StateUploading {
		return
	}
	expected := s.startAddr + s.offset

	if data.Address < expected {
		// Duplicate (retry or bus duplicate): re-ack, no state change.
		s.ack(data.Address)
		return
	}
	if data.Address > expected {
		s.logger.WithFields(log.Fields{"got": data.Address, "want": expected}).Error("address gap during upload")
		s.state = StateError
		return
	}

	n := remaining(s.length, s.offset)
	if _, err := s.write.Write(data.Data[:n]); err != nil {
		s.logger.WithError(err).Error("write failed during upload")
		s.state = StateError
		return
	}
	s.offset += n
	if s.offset >= s.length {
		s.state = StateIdle
		s.logger.Info("upload complete")
	} else {
		s.state = StateUploading
	}
	s.ack(data.Address)
}

// ack replies ACK(addr) carrying the number of bytes still remaining in
// the current transfer. The master currently ignores these fields, but
// implementations SHOULD populate them for future diagnostics (spec.md
// §4.3).
func (s *Slave) ack(addr uint32) error {
	remainingLen := uint32(0)
	if s.length > s.offset {
		remainingLen = s.length - s.offset
	}
	frame := CommandFrame{Command: CmdAck, Address: addr, Length: remainingLen}
	return s.Send(s.peerID, frame.Encode())
}

// sendData reads the next block from flash and transmits it unconditionally.
func (s *Slave) sendData() (int, error) {
	n := remaining(s.length, s.offset)
	var data DataFrame
	data.Address = s.startAddr + s.offset
	produced, err := s.read.Read(data.Data[:n])
	if err != nil && err != io.EOF {
		return produced, err
	}
	if sendErr := s.Send(s.peerID, data.Encode()); sendErr != nil {
		s.logger.WithError(sendErr).Warn("failed to send data block")
	}
	return produced, nil
}
