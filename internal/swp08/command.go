// Package swp08 holds the bit-exact constants and address encoding rules of
// the SW-P-08 (Pro-Bel) router control protocol: the command dictionary, the
// multiplier byte layout, and the CrosspointAddress <-> wire-byte mapping.
// Nothing here touches I/O; it is pure data shape, shared by internal/frame
// and internal/router.
package swp08

// Command is a one-byte SW-P-08 command code.
type Command byte

const (
	CrosspointInterrogate Command = 0x01 // to router
	CrosspointConnect     Command = 0x02 // to router
	CrosspointTally       Command = 0x03 // from router
	CrosspointConnected   Command = 0x04 // from router

	TallyDumpRequest Command = 0x15 // to router
	TallyDumpByte    Command = 0x16 // from router
	TallyDumpWord    Command = 0x17 // from router

	ConnectOnGoGroupSalvo Command = 0x78 // to router
	GoGroupSalvo          Command = 0x79 // to router
	ConnectOnGoAck        Command = 0x7A // from router
	GoDoneAck             Command = 0x7B // from router
	GroupSalvoInterrogate Command = 0x7C // to router
	GroupSalvoTally       Command = 0x7D // from router
)

func (c Command) String() string {
	switch c {
	case CrosspointInterrogate:
		return "crosspoint-interrogate"
	case CrosspointConnect:
		return "crosspoint-connect"
	case CrosspointTally:
		return "crosspoint-tally"
	case CrosspointConnected:
		return "crosspoint-connected"
	case TallyDumpRequest:
		return "tally-dump-request"
	case TallyDumpByte:
		return "tally-dump-byte"
	case TallyDumpWord:
		return "tally-dump-word"
	case ConnectOnGoGroupSalvo:
		return "connect-on-go-group-salvo"
	case GoGroupSalvo:
		return "go-group-salvo"
	case ConnectOnGoAck:
		return "connect-on-go-ack"
	case GoDoneAck:
		return "go-done-ack"
	case GroupSalvoInterrogate:
		return "group-salvo-interrogate"
	case GroupSalvoTally:
		return "group-salvo-tally"
	default:
		return "unknown-command"
	}
}
