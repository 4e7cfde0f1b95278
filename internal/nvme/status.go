package nvme

// Status field bit positions (CQE bytes 14-15)
const (
	StatusPhaseBit  = 0  // P
	StatusCodeShift = 1  // SC, 8 bits
	StatusTypeShift = 9  // SCT, 3 bits
	StatusMoreBit   = 14 // M
	StatusDNRBit    = 15 // DNR

	statusCodeMask = 0xff
	statusTypeMask = 0x7
)

// Status code types
const (
	StatusTypeGeneric         = 0x0
	StatusTypeCommandSpecific = 0x1
	StatusTypeMediaError      = 0x2
	StatusTypeVendor          = 0x7
)

// Generic status codes used by the engine helpers
const (
	StatusSuccess           = 0x00
	StatusInvalidOpcode     = 0x01
	StatusInvalidField      = 0x02
	StatusCommandIDConflict = 0x03
	StatusInternalError     = 0x06
	StatusAbortRequested    = 0x07
	StatusInvalidNamespace  = 0x0b
)

// Command specific status codes
const (
	StatusAbortLimitExceeded = 0x03
)

// Status is the decoded completion status field.
//
// DNR is carried for layout fidelity only. The queue processor always
// clears it.
type Status struct {
	Phase bool  // phase tag
	Code  uint8 // status code (SC)
	Type  uint8 // status code type (SCT), 3 bits
	More  bool  // more information in a log page
	DNR   bool  // do not retry
}

// Encode packs the status into its wire representation
func (s Status) Encode() uint16 {
	var v uint16
	if s.Phase {
		v |= 1 << StatusPhaseBit
	}
	v |= uint16(s.Code) << StatusCodeShift
	v |= uint16(s.Type&statusTypeMask) << StatusTypeShift
	if s.More {
		v |= 1 << StatusMoreBit
	}
	if s.DNR {
		v |= 1 << StatusDNRBit
	}
	return v
}

// DecodeStatus unpacks a wire status field
func DecodeStatus(v uint16) Status {
	return Status{
		Phase: v&(1<<StatusPhaseBit) != 0,
		Code:  uint8((v >> StatusCodeShift) & statusCodeMask),
		Type:  uint8((v >> StatusTypeShift) & statusTypeMask),
		More:  v&(1<<StatusMoreBit) != 0,
		DNR:   v&(1<<StatusDNRBit) != 0,
	}
}

// Success reports whether the status carries a generic success code
func (s Status) Success() bool {
	return s.Type == StatusTypeGeneric && s.Code == StatusSuccess
}
