package bekenboot

import (
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
)

type serialTransport struct {
	name string
	port serial.Port
}

// NewSerialTransport returns a Transport for the named serial port that can
// pulse DTR/RTS to reset the target.
func NewSerialTransport(name string) Transport {
	return &serialTransport{name: name}
}

func (t *serialTransport) Open(mode Mode) error {
	if t.port != nil {
		t.port.Close()
		t.port = nil
	}
	m := &serial.Mode{
		BaudRate: mode.BaudRate,
		DataBits: mode.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	switch mode.Parity {
	case ParityOdd:
		m.Parity = serial.OddParity
	case ParityEven:
		m.Parity = serial.EvenParity
	}
	if mode.StopBits == StopBitsTwo {
		m.StopBits = serial.TwoStopBits
	}
	port, err := serial.Open(t.name, m)
	if err != nil {
		return newError(KindTransportDisconnected, "open "+t.name, err)
	}
	t.port = port
	return nil
}

func (t *serialTransport) Close() error {
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

func (t *serialTransport) Write(p []byte) (int, error) {
	if t.port == nil {
		return 0, newError(KindTransportDisconnected, "write", ErrNotConnected)
	}
	n, err := t.port.Write(p)
	if err != nil {
		return n, newError(KindTransportDisconnected, "write", err)
	}
	return n, nil
}

func (t *serialTransport) Read(max int, timeout time.Duration) ([]byte, error) {
	if t.port == nil {
		return nil, newError(KindTransportDisconnected, "read", ErrNotConnected)
	}
	resp := make([]byte, 0, max)
	buf := make([]byte, max)
	deadline := time.Now().Add(timeout)
	for len(resp) < max {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if err := t.port.SetReadTimeout(remaining); err != nil {
			return resp, newError(KindTransportDisconnected, "read", err)
		}
		n, err := t.port.Read(buf[:max-len(resp)])
		if err != nil {
			return resp, newError(KindTransportDisconnected, "read", err)
		}
		if n == 0 {
			break
		}
		resp = append(resp, buf[:n]...)
	}
	return resp, nil
}

func (t *serialTransport) SetControlLines(dtr, rts bool) error {
	if t.port == nil {
		return newError(KindTransportDisconnected, "control lines", ErrNotConnected)
	}
	if err := t.port.SetDTR(dtr); err != nil {
		return newError(KindTransportDisconnected, "set DTR", err)
	}
	if err := t.port.SetRTS(rts); err != nil {
		return newError(KindTransportDisconnected, "set RTS", err)
	}
	return nil
}

func (t *serialTransport) Flush() error {
	if t.port == nil {
		return newError(KindTransportDisconnected, "flush", ErrNotConnected)
	}
	return errors.Wrap(t.port.ResetInputBuffer(), "flush")
}
