package bekenboot

import "time"

// Parity of the serial line.
type Parity int

const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
)

// StopBits of the serial line.
type StopBits int

const (
	StopBitsOne StopBits = iota
	StopBitsTwo
)

// Mode describes how a Transport is opened.
type Mode struct {
	BaudRate int
	DataBits int
	StopBits StopBits
	Parity   Parity
}

// ModeFor returns 8N1 at the given rate, which is what the boot ROM speaks.
func ModeFor(baud int) Mode {
	return Mode{BaudRate: baud, DataBits: 8, StopBits: StopBitsOne, Parity: ParityNone}
}

//go:generate mockgen -destination=mocks/transport.go -package=mocks github.com/flashkit/bekenboot Transport

// Transport is an exclusively owned byte channel to the target.
type Transport interface {
	Open(mode Mode) error
	Close() error
	Write(p []byte) (int, error)
	// Read returns once max bytes arrived or timeout elapsed. A short result
	// with a nil error means the timeout fired.
	Read(max int, timeout time.Duration) ([]byte, error)
	// SetControlLines drives DTR and RTS. Transports that cannot do this
	// return ErrControlLinesUnsupported.
	SetControlLines(dtr, rts bool) error
	// Flush discards pending inbound bytes.
	Flush() error
}
