// Package nvme provides the NVMe queue entry layouts shared with the host driver
package nvme

import (
	"fmt"
	"unsafe"
)

// Command is a submission queue entry. Layout matches the 64-byte NVMe
// common command format:
//
//	struct nvme_command {
//	  __u8  opcode;     // byte 0
//	  __u8  flags;      // byte 1 (FUSE, PSDT)
//	  __u16 cid;        // bytes 2-3
//	  __u32 nsid;       // bytes 4-7
//	  __u64 rsvd2;      // bytes 8-15 (CDW2-3)
//	  __u64 mptr;       // bytes 16-23
//	  __u64 prp1;       // bytes 24-31
//	  __u64 prp2;       // bytes 32-39
//	  __u32 cdw10[6];   // bytes 40-63 (CDW10-15)
//	};
type Command struct {
	Opcode   uint8     // command opcode
	Flags    uint8     // fused operation and PRP/SGL selection
	CID      uint16    // command identifier
	NSID     uint32    // namespace id
	Reserved uint64    // CDW2-3
	MPTR     uint64    // metadata pointer
	PRP1     uint64    // data pointer entry 1
	PRP2     uint64    // data pointer entry 2
	CDW      [6]uint32 // command dwords 10 through 15
}

// Compile-time size check - must be exactly one SQ entry
var _ [64]byte = [unsafe.Sizeof(Command{})]byte{}

// CDW10 returns command dword 10
func (c *Command) CDW10() uint32 { return c.CDW[0] }

// CDW11 returns command dword 11
func (c *Command) CDW11() uint32 { return c.CDW[1] }

func (c *Command) String() string {
	return fmt.Sprintf("opc=0x%02x cid=%d nsid=%d", c.Opcode, c.CID, c.NSID)
}

// Completion is a completion queue entry (16 bytes on the wire):
//
//	struct nvme_completion {
//	  __u32 result;     // bytes 0-3 (DW0, command specific)
//	  __u32 rsvd;       // bytes 4-7
//	  __u16 sq_head;    // bytes 8-9
//	  __u16 sq_id;      // bytes 10-11
//	  __u16 cid;        // bytes 12-13
//	  __u16 status;     // bytes 14-15
//	};
//
// Status is kept decoded; EncodeCompletion packs it into bytes 14-15.
type Completion struct {
	Result   uint32 // command specific result
	Reserved uint32 // DW1
	SQHead   uint16 // submission queue head at completion time
	SQID     uint16 // originating submission queue
	CID      uint16 // echoed command identifier
	Status   Status // phase tag and status
}

// Reset zeroes the completion so it can be reused as scratch
func (c *Completion) Reset() {
	*c = Completion{}
}
