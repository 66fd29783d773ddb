package fabric

import (
	"fmt"

	czmq "github.com/zeromq/goczmq/v4"
)

// SetHWM sets both the send and receive high-water-mark, mirroring the
// original library's single combined `hwm` socket option (current ZeroMQ
// splits this into SNDHWM/RCVHWM; Device applies both so the one
// configuration leaf keeps its old meaning).
func (s *Socket) SetHWM(hwm uint64) error {
	if err := s.sock.SetOption(czmq.SockSetSndhwm(int(hwm))); err != nil {
		return fmt.Errorf("fabric: set sndhwm: %w", err)
	}
	if err := s.sock.SetOption(czmq.SockSetRcvhwm(int(hwm))); err != nil {
		return fmt.Errorf("fabric: set rcvhwm: %w", err)
	}
	return nil
}

// SetAffinity sets the thread-affinity mask used to pin this socket's I/O
// to specific io_threads.
func (s *Socket) SetAffinity(mask uint64) error {
	if err := s.sock.SetOption(czmq.SockSetAffinity(int(mask))); err != nil {
		return fmt.Errorf("fabric: set affinity: %w", err)
	}
	return nil
}

// SetSubscribe adds a subscription filter; only meaningful on a SUB
// socket.
func (s *Socket) SetSubscribe(filter string) error {
	if err := s.sock.SetOption(czmq.SockSetSubscribe(filter)); err != nil {
		return fmt.Errorf("fabric: set subscribe: %w", err)
	}
	return nil
}

// SetRate sets the multicast data rate in kilobits per second.
func (s *Socket) SetRate(rate int64) error {
	if err := s.sock.SetOption(czmq.SockSetRate(int(rate))); err != nil {
		return fmt.Errorf("fabric: set rate: %w", err)
	}
	return nil
}

// SetSndbuf sets the kernel send buffer size in bytes.
func (s *Socket) SetSndbuf(size uint64) error {
	if err := s.sock.SetOption(czmq.SockSetSndbuf(int(size))); err != nil {
		return fmt.Errorf("fabric: set sndbuf: %w", err)
	}
	return nil
}

// SetRcvbuf sets the kernel receive buffer size in bytes.
func (s *Socket) SetRcvbuf(size uint64) error {
	if err := s.sock.SetOption(czmq.SockSetRcvbuf(int(size))); err != nil {
		return fmt.Errorf("fabric: set rcvbuf: %w", err)
	}
	return nil
}
