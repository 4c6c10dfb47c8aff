package bekenboot

import (
	"io"
	"time"

	"github.com/tarm/serial"
)

// tarm/serial rounds read timeouts to deciseconds on POSIX, so reads are
// polled at that granularity until the caller's deadline.
const tarmPollInterval = 100 * time.Millisecond

type tarmTransport struct {
	name string
	port *serial.Port
}

// NewManualResetTransport returns a Transport built on tarm/serial. It cannot
// drive the control lines, so the target has to be reset by hand while the
// programmer is link checking. Reads wait in steps of 100ms, so every link
// check takes at least that long instead of the usual 20ms; acquisition is
// bounded by HandshakeConfig.ManualTimeout rather than the pulse budget.
func NewManualResetTransport(name string) Transport {
	return &tarmTransport{name: name}
}

func (t *tarmTransport) Open(mode Mode) error {
	if t.port != nil {
		t.port.Close()
		t.port = nil
	}
	cfg := &serial.Config{
		Name:        t.name,
		Baud:        mode.BaudRate,
		ReadTimeout: tarmPollInterval,
		Size:        byte(mode.DataBits),
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	}
	switch mode.Parity {
	case ParityOdd:
		cfg.Parity = serial.ParityOdd
	case ParityEven:
		cfg.Parity = serial.ParityEven
	}
	if mode.StopBits == StopBitsTwo {
		cfg.StopBits = serial.Stop2
	}
	port, err := serial.OpenPort(cfg)
	if err != nil {
		return newError(KindTransportDisconnected, "open "+t.name, err)
	}
	t.port = port
	return nil
}

func (t *tarmTransport) Close() error {
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

func (t *tarmTransport) Write(p []byte) (int, error) {
	if t.port == nil {
		return 0, newError(KindTransportDisconnected, "write", ErrNotConnected)
	}
	n, err := t.port.Write(p)
	if err != nil {
		return n, newError(KindTransportDisconnected, "write", err)
	}
	return n, nil
}

func (t *tarmTransport) Read(max int, timeout time.Duration) ([]byte, error) {
	if t.port == nil {
		return nil, newError(KindTransportDisconnected, "read", ErrNotConnected)
	}
	resp := make([]byte, 0, max)
	buf := make([]byte, max)
	deadline := time.Now().Add(timeout)
	for len(resp) < max && time.Now().Before(deadline) {
		n, err := t.port.Read(buf[:max-len(resp)])
		// An expired read timeout surfaces as io.EOF on POSIX.
		if err != nil && err != io.EOF {
			return resp, newError(KindTransportDisconnected, "read", err)
		}
		resp = append(resp, buf[:n]...)
	}
	return resp, nil
}

func (t *tarmTransport) SetControlLines(dtr, rts bool) error {
	return ErrControlLinesUnsupported
}

func (t *tarmTransport) Flush() error {
	if t.port == nil {
		return newError(KindTransportDisconnected, "flush", ErrNotConnected)
	}
	return t.port.Flush()
}
