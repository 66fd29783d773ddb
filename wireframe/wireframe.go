// Package wireframe implements the small binary command framing used on the
// in-process control pipe between a Caller/Callee's public API and its
// background coordinator goroutine (§4.3/§4.4). It reuses the
// magic+version+length-prefixed framing the rest of this module's ancestry
// used for its wire protocol, scaled down to a single in-memory frame: no
// stream reassembly is needed here because goczmq already preserves message
// boundaries across an inproc PAIR socket, but the header still guards
// against a control pipe shared by a future, differently-versioned build.
package wireframe

import (
	"encoding/binary"
	"fmt"
)

// Magic identifies a control-pipe frame: "wf".
const (
	magicByte1 byte = 0x77 // 'w'
	magicByte2 byte = 0x66 // 'f'
	version    byte = 0x01
	headerSize int  = 4 // magic(2) + version(1) + opcode(1)
)

// Op identifies the control command carried by a frame.
type Op byte

const (
	// OpStop asks the coordinator to unbind/disconnect and return.
	OpStop Op = iota
	// OpConnect asks a CallerCore coordinator to register a new
	// server_id/endpoint pair.
	OpConnect
	// OpBind asks a CalleeCore coordinator to bind its frontend socket to
	// an endpoint.
	OpBind
)

func (o Op) String() string {
	switch o {
	case OpStop:
		return "stop"
	case OpConnect:
		return "connect"
	case OpBind:
		return "bind"
	default:
		return fmt.Sprintf("op(%d)", byte(o))
	}
}

// Command is a decoded control-pipe frame.
type Command struct {
	Op   Op
	Args []string
}

// Encode serializes cmd into a single frame suitable for SendFrame on a
// control pipe socket. Each argument is stored as a uint32 length prefix
// followed by its UTF-8 bytes, so arguments may contain any byte value
// (an endpoint string never will, but a future argument might).
func Encode(cmd Command) []byte {
	size := headerSize + 1 // + argc
	for _, a := range cmd.Args {
		size += 4 + len(a)
	}
	buf := make([]byte, size)
	buf[0] = magicByte1
	buf[1] = magicByte2
	buf[2] = version
	buf[3] = byte(cmd.Op)
	buf[4] = byte(len(cmd.Args))

	off := headerSize + 1
	for _, a := range cmd.Args {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(a)))
		off += 4
		copy(buf[off:off+len(a)], a)
		off += len(a)
	}
	return buf
}

// Decode parses a frame produced by Encode.
func Decode(frame []byte) (Command, error) {
	if len(frame) < headerSize+1 {
		return Command{}, fmt.Errorf("wireframe: frame too short: %d bytes", len(frame))
	}
	if frame[0] != magicByte1 || frame[1] != magicByte2 {
		return Command{}, fmt.Errorf("wireframe: bad magic %x%x", frame[0], frame[1])
	}
	if frame[2] != version {
		return Command{}, fmt.Errorf("wireframe: unsupported version %d", frame[2])
	}
	cmd := Command{Op: Op(frame[3])}
	argc := int(frame[4])
	off := headerSize + 1
	for i := 0; i < argc; i++ {
		if off+4 > len(frame) {
			return Command{}, fmt.Errorf("wireframe: truncated argument length at offset %d", off)
		}
		n := int(binary.BigEndian.Uint32(frame[off : off+4]))
		off += 4
		if off+n > len(frame) {
			return Command{}, fmt.Errorf("wireframe: truncated argument body at offset %d", off)
		}
		cmd.Args = append(cmd.Args, string(frame[off:off+n]))
		off += n
	}
	return cmd, nil
}

// Stop builds a stop command.
func Stop() Command { return Command{Op: OpStop} }

// Connect builds a connect command carrying a server_id and endpoint.
func Connect(serverID, endpoint string) Command {
	return Command{Op: OpConnect, Args: []string{serverID, endpoint}}
}

// Bind builds a bind command carrying an endpoint.
func Bind(endpoint string) Command {
	return Command{Op: OpBind, Args: []string{endpoint}}
}
