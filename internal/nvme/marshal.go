package nvme

import (
	"encoding/binary"

	"github.com/ehrlich-b/go-nvmeq/internal/constants"
)

// Marshal converts an entry to its little-endian wire form
func Marshal(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case *Command:
		buf := make([]byte, constants.SQEntrySize)
		EncodeCommand(buf, val)
		return buf, nil
	case *Completion:
		buf := make([]byte, constants.CQEntrySize)
		EncodeCompletion(buf, val)
		return buf, nil
	default:
		return nil, ErrInvalidType
	}
}

// Unmarshal converts wire bytes back to an entry
func Unmarshal(data []byte, v interface{}) error {
	switch val := v.(type) {
	case *Command:
		return DecodeCommand(data, val)
	case *Completion:
		return DecodeCompletion(data, val)
	default:
		return ErrInvalidType
	}
}

// EncodeCommand writes cmd into buf, which must hold one SQ entry
func EncodeCommand(buf []byte, cmd *Command) {
	_ = buf[constants.SQEntrySize-1]

	buf[0] = cmd.Opcode
	buf[1] = cmd.Flags
	binary.LittleEndian.PutUint16(buf[2:4], cmd.CID)
	binary.LittleEndian.PutUint32(buf[4:8], cmd.NSID)
	binary.LittleEndian.PutUint64(buf[8:16], cmd.Reserved)
	binary.LittleEndian.PutUint64(buf[16:24], cmd.MPTR)
	binary.LittleEndian.PutUint64(buf[24:32], cmd.PRP1)
	binary.LittleEndian.PutUint64(buf[32:40], cmd.PRP2)
	for i, dw := range cmd.CDW {
		off := 40 + i*4
		binary.LittleEndian.PutUint32(buf[off:off+4], dw)
	}
}

// DecodeCommand reads one SQ entry from data
func DecodeCommand(data []byte, cmd *Command) error {
	if len(data) < constants.SQEntrySize {
		return ErrInsufficientData
	}

	cmd.Opcode = data[0]
	cmd.Flags = data[1]
	cmd.CID = binary.LittleEndian.Uint16(data[2:4])
	cmd.NSID = binary.LittleEndian.Uint32(data[4:8])
	cmd.Reserved = binary.LittleEndian.Uint64(data[8:16])
	cmd.MPTR = binary.LittleEndian.Uint64(data[16:24])
	cmd.PRP1 = binary.LittleEndian.Uint64(data[24:32])
	cmd.PRP2 = binary.LittleEndian.Uint64(data[32:40])
	for i := range cmd.CDW {
		off := 40 + i*4
		cmd.CDW[i] = binary.LittleEndian.Uint32(data[off : off+4])
	}

	return nil
}

// EncodeCompletion writes cqe into buf, which must hold one CQ entry
func EncodeCompletion(buf []byte, cqe *Completion) {
	_ = buf[constants.CQEntrySize-1]

	binary.LittleEndian.PutUint32(buf[0:4], cqe.Result)
	binary.LittleEndian.PutUint32(buf[4:8], cqe.Reserved)
	binary.LittleEndian.PutUint16(buf[8:10], cqe.SQHead)
	binary.LittleEndian.PutUint16(buf[10:12], cqe.SQID)
	binary.LittleEndian.PutUint16(buf[12:14], cqe.CID)
	binary.LittleEndian.PutUint16(buf[14:16], cqe.Status.Encode())
}

// DecodeCompletion reads one CQ entry from data
func DecodeCompletion(data []byte, cqe *Completion) error {
	if len(data) < constants.CQEntrySize {
		return ErrInsufficientData
	}

	cqe.Result = binary.LittleEndian.Uint32(data[0:4])
	cqe.Reserved = binary.LittleEndian.Uint32(data[4:8])
	cqe.SQHead = binary.LittleEndian.Uint16(data[8:10])
	cqe.SQID = binary.LittleEndian.Uint16(data[10:12])
	cqe.CID = binary.LittleEndian.Uint16(data[12:14])
	cqe.Status = DecodeStatus(binary.LittleEndian.Uint16(data[14:16]))

	return nil
}

// Error definitions
type MarshalError string

func (e MarshalError) Error() string {
	return string(e)
}

const (
	ErrInsufficientData MarshalError = "insufficient data for unmarshaling"
	ErrInvalidType      MarshalError = "invalid type for marshaling"
)
