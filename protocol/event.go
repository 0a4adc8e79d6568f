package protocol

import "fmt"

// Event is a typed message decoded from the device. Listeners share the same
// value and must treat it as read-only.
type Event interface {
	Kind() string
}

// Unrecognized carries an async packet whose id has no registered decoder.
type Unrecognized struct {
	ID      byte
	Payload []byte
}

func (Unrecognized) Kind() string { return "unrecognized" }

func (u Unrecognized) String() string {
	return fmt.Sprintf("Unrecognized{id:0x%02x payload:% x}", u.ID, u.Payload)
}

// ResponseCode is the status a device returns for a command.
type ResponseCode byte

const (
	ResponseOK            ResponseCode = 0x00
	ResponseGeneric       ResponseCode = 0x01
	ResponseBadChecksum   ResponseCode = 0x02
	ResponseFragment      ResponseCode = 0x03
	ResponseBadCommand    ResponseCode = 0x04
	ResponseUnsupported   ResponseCode = 0x05
	ResponseBadMessage    ResponseCode = 0x06
	ResponseBadParameter  ResponseCode = 0x07
	ResponseExecuteFailed ResponseCode = 0x08
	ResponseBadDevice     ResponseCode = 0x09
	ResponsePowerNoGood   ResponseCode = 0x31
	ResponseIllegalPage   ResponseCode = 0x32
	ResponseFlashFail     ResponseCode = 0x33
	ResponseCorruptMain   ResponseCode = 0x34
	ResponseTimeout       ResponseCode = 0x35
)

var responseCodeNames = map[ResponseCode]string{
	ResponseOK:            "OK",
	ResponseGeneric:       "EGEN",
	ResponseBadChecksum:   "ECHKSUM",
	ResponseFragment:      "EFRAG",
	ResponseBadCommand:    "EBAD_CMD",
	ResponseUnsupported:   "EUNSUPP",
	ResponseBadMessage:    "EBAD_MSG",
	ResponseBadParameter:  "EPARAM",
	ResponseExecuteFailed: "EEXEC",
	ResponseBadDevice:     "EBAD_DID",
	ResponsePowerNoGood:   "POWER_NOGOOD",
	ResponseIllegalPage:   "PAGE_ILLEGAL",
	ResponseFlashFail:     "FLASH_FAIL",
	ResponseCorruptMain:   "MA_CORRUPT",
	ResponseTimeout:       "MSG_TIMEOUT",
}

func (c ResponseCode) String() string {
	if name, ok := responseCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(0x%02x)", byte(c))
}

func (c ResponseCode) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// Response acknowledges the command sent with the same sequence number.
type Response struct {
	Code     ResponseCode
	DeviceID byte
	Seq      byte
	Payload  []byte
}

func (Response) Kind() string { return "response" }

// OK reports whether the device accepted the command.
func (r Response) OK() bool { return r.Code == ResponseOK }

// ResponseFromPacket converts a response-class packet.
func ResponseFromPacket(p *Packet) Response {
	return Response{
		Code:     ResponseCode(p.ID),
		DeviceID: p.DeviceID,
		Seq:      p.Seq,
		Payload:  p.Payload,
	}
}
