package aanderaa

import (
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"
)

// ProtocolMode is the dialect classification a connect attempt ends in.
type ProtocolMode int

const (
	// ModeUnrecognized means no protocol has been identified yet.
	ModeUnrecognized ProtocolMode = iota
	// ModeTab means the sensor streams tab-delimited data frames.
	ModeTab
	// ModeSoftConnected means the channel is responsive but no valid frame
	// has been seen yet; later frames may still self-identify the sensor.
	ModeSoftConnected
)

func (m ProtocolMode) String() string {
	switch m {
	case ModeTab:
		return "tab"
	case ModeSoftConnected:
		return "soft-connected"
	default:
		return "unrecognized"
	}
}

// Port is the subset of serial.Port the sensor code needs. Narrowing the
// dependency keeps the connect/reader logic testable against fakes and lets
// demo mode plug in a synthetic instrument.
type Port interface {
	io.ReadWriter
	ResetInputBuffer() error
	ResetOutputBuffer() error
	SetReadTimeout(time.Duration) error
	Close() error
}

// Config holds one sensor channel's configuration.
type Config struct {
	ComPort  string
	Name     string
	BaudRate int
	Type     SensorType
}

// Sensor owns one serial channel to a single Aanderaa instrument. It is
// created from configuration, identified during Connect, and updated by
// DecodeFrame as frames arrive. A type inferred from a valid product number
// is authoritative over whatever the configuration declared.
type Sensor struct {
	mu                sync.Mutex
	comPort           string
	name              string
	baudRate          int
	sensorType        SensorType
	port              Port
	connected         bool
	protocolMode      ProtocolMode
	productNumber     string
	serialNumber      string
	lastMeasurement   *Measurements
	lastMeasurementAt time.Time

	timings connectTimings
}

// connectTimings carries the wake/probe windows so tests can shrink them.
type connectTimings struct {
	settle      time.Duration // after buffer reset
	wakeGap     time.Duration // between wake CRLFs
	wakeWindow  time.Duration // passive read after wake
	probeWindow time.Duration // each of the two probe listens
	readSlice   time.Duration // granularity of timed reads
}

func defaultConnectTimings() connectTimings {
	return connectTimings{
		settle:      300 * time.Millisecond,
		wakeGap:     150 * time.Millisecond,
		wakeWindow:  1200 * time.Millisecond,
		probeWindow: 1500 * time.Millisecond,
		readSlice:   50 * time.Millisecond,
	}
}

// NewSensor creates an unconnected sensor handle.
func NewSensor(cfg Config) *Sensor {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600
	}
	if cfg.Name == "" {
		cfg.Name = "Unknown"
	}
	return &Sensor{
		comPort:    cfg.ComPort,
		name:       cfg.Name,
		baudRate:   cfg.BaudRate,
		sensorType: cfg.Type,
		timings:    defaultConnectTimings(),
	}
}

func (s *Sensor) ComPort() string { return s.comPort }

func (s *Sensor) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Sensor) Type() SensorType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sensorType
}

func (s *Sensor) ProductNumber() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.productNumber
}

func (s *Sensor) SerialNumber() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serialNumber
}

func (s *Sensor) Mode() ProtocolMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolMode
}

func (s *Sensor) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// LastMeasurement returns the most recently decoded measurement set and its
// decode time.
func (s *Sensor) LastMeasurement() (*Measurements, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMeasurement, s.lastMeasurementAt
}

// Connect opens the serial channel (9600 8-N-1, ~1 s read timeout) and runs
// the wake/probe sequence. The Aanderaa adapters in the field use XON/XOFF
// software flow control; go.bug.st/serial has no knob for it, so the 0x11/0x13
// bytes are instead stripped as noise by the frame extractor and reader loop.
func (s *Sensor) Connect() error {
	mode := &serial.Mode{
		BaudRate: s.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(s.comPort, mode)
	if err != nil {
		return fmt.Errorf("aanderaa: open %s: %w", s.comPort, err)
	}
	if err := port.SetReadTimeout(time.Second); err != nil {
		port.Close()
		return fmt.Errorf("aanderaa: set read timeout on %s: %w", s.comPort, err)
	}
	log.Printf("[sensor] opened %s at %d baud", s.comPort, s.baudRate)
	return s.ConnectPort(port)
}

// ConnectPort runs the wake/probe state machine against an already-open port:
//
//	Opening -> Waking -> Probing -> Identified(tab) | SoftConnected | Failed
//
// Waking sends three CRLFs spaced apart followed by a single ';' wake
// character, then listens passively. Probing listens for a tab-delimited
// frame, nudging once with a bare CRLF if the first window stays empty.
// Terminal-mode command probes are deliberately not sent: on FW3 Get/Set
// dialects an unsupported command leaves stray '*' bytes that corrupt the
// streaming parser's framing.
//
// On failure the port is closed and an error returned; reconnecting is the
// caller's job.
func (s *Sensor) ConnectPort(p Port) error {
	s.mu.Lock()
	s.port = p
	tm := s.timings
	s.mu.Unlock()

	p.ResetInputBuffer()
	p.ResetOutputBuffer()
	time.Sleep(tm.settle)

	for i := 0; i < 3; i++ {
		p.Write([]byte("\r\n"))
		time.Sleep(tm.wakeGap)
	}
	p.Write([]byte(";"))
	wake := readFor(p, tm.wakeWindow, tm.readSlice)
	if wake != "" {
		log.Printf("[sensor] %s wake response: %q", s.comPort, wake)
	}

	probe := readFor(p, tm.probeWindow, tm.readSlice)
	frame, ok := SelectDataFrame(ExtractFrames(probe))
	if !ok {
		p.Write([]byte("\r\n"))
		probe2 := readFor(p, tm.probeWindow, tm.readSlice)
		probe += probe2
		frame, ok = SelectDataFrame(ExtractFrames(probe2))
	}

	if ok {
		product, serialNo := frame[0], frame[1]
		s.mu.Lock()
		s.protocolMode = ModeTab
		s.productNumber = product
		s.serialNumber = serialNo
		if inferred := InferSensorType(product); inferred != TypeUnknown {
			if s.sensorType != TypeUnknown && s.sensorType != inferred {
				log.Printf("[sensor] %s: product %s overrides configured type %s -> %s",
					s.comPort, product, s.sensorType, inferred)
			}
			s.sensorType = inferred
		}
		s.name = fmt.Sprintf("Sensor %s SN %s", product, serialNo)
		s.connected = true
		name := s.name
		s.mu.Unlock()
		log.Printf("[sensor] connected to %s on %s (tab mode)", name, s.comPort)
		return nil
	}

	if wake != "" || probe != "" {
		s.mu.Lock()
		s.protocolMode = ModeSoftConnected
		s.connected = true
		s.mu.Unlock()
		log.Printf("[sensor] %s responsive, awaiting first data frame", s.comPort)
		return nil
	}

	p.Close()
	s.mu.Lock()
	s.port = nil
	s.mu.Unlock()
	return fmt.Errorf("aanderaa: no response from %s", s.comPort)
}

// Port returns the underlying channel, or nil while disconnected.
func (s *Sensor) Port() Port {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Disconnect closes the channel. Call it only after the reader loop has
// observed the stop signal and exited; the loop itself never closes the port.
func (s *Sensor) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		s.port.Close()
		s.port = nil
	}
	s.connected = false
}

// DecodeFrame maps a selected frame's ordinal columns onto named fields for
// this sensor's type. The raw columns are always preserved verbatim as
// Value1..ValueN even when no overlay applies, so extra parameters stay
// visible whatever the firmware configuration. As a side effect the handle's
// identity (product, serial, type, name) and last-measurement state are
// updated. Frames with fewer than two fields decode to nil; nothing panics on
// malformed input.
func (s *Sensor) DecodeFrame(f Frame) *Measurements {
	if len(f) < 2 {
		return nil
	}
	product, serialNo := f[0], f[1]
	values := f[2:]

	s.mu.Lock()
	defer s.mu.Unlock()

	if inferred := InferSensorType(product); inferred != TypeUnknown && s.sensorType != inferred {
		s.sensorType = inferred
	}
	s.productNumber = product
	s.serialNumber = serialNo
	s.name = fmt.Sprintf("Sensor %s SN %s", product, serialNo)
	s.protocolMode = ModeTab

	m := NewMeasurements()
	m.Set("ProductNumber", product)
	m.Set("SerialNumber", serialNo)
	for i, v := range values {
		m.Set(fmt.Sprintf("Value%d", i+1), v)
	}

	switch {
	case s.sensorType == TypeOxygen && len(values) >= 3:
		m.Set("O2Concentration", values[0])
		m.Set("O2Saturation", values[1])
		m.Set("Temperature", values[2])
	case s.sensorType == TypeConductivity && len(values) >= 2:
		m.Set("Conductivity", values[0])
		m.Set("Temperature", values[1])
		if len(values) >= 3 {
			// Three-column firmware streams Conductivity, Salinity,
			// Temperature; the third column supersedes the two-column
			// temperature assignment.
			m.Set("Salinity", values[1])
			m.Set("Temperature", values[2])
		}
	case s.sensorType == TypePressure && len(values) >= 2:
		m.Set("Pressure", values[0])
		m.Set("Temperature", values[1])
	}

	s.lastMeasurement = m
	s.lastMeasurementAt = time.Now()
	return m
}

// readFor collects whatever the port emits for the given window, decoding as
// ASCII and dropping non-ASCII bytes.
func readFor(p Port, window, slice time.Duration) string {
	deadline := time.Now().Add(window)
	buf := make([]byte, 256)
	var out []byte
	for time.Now().Before(deadline) {
		n, err := p.Read(buf)
		if err != nil {
			break
		}
		if n > 0 {
			out = append(out, asciiOnly(buf[:n])...)
			time.Sleep(slice)
		} else {
			time.Sleep(slice)
		}
	}
	return string(out)
}

// asciiOnly drops bytes outside 7-bit ASCII, mirroring a lenient ASCII decode.
func asciiOnly(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c < 0x80 {
			out = append(out, c)
		}
	}
	return out
}
