package aanderaa

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"sync"
	"time"
)

// DemoPort simulates an Aanderaa instrument streaming tab-delimited frames so
// the full pipeline can run without hardware. It satisfies Port: reads block
// up to the configured timeout like a real serial port, writes are accepted
// and treated as a measurement trigger.
type DemoPort struct {
	mu       sync.Mutex
	product  string
	serialNo string
	interval time.Duration
	timeout  time.Duration
	next     time.Time
	pending  []byte
	closed   bool
	t        float64
}

// NewDemoPort creates a demo port emitting one frame per interval for the
// given product number; the sensor family (and thus the frame layout) is
// inferred from the product prefix.
func NewDemoPort(product, serialNo string, interval time.Duration) *DemoPort {
	if interval <= 0 {
		interval = time.Second
	}
	return &DemoPort{
		product:  product,
		serialNo: serialNo,
		interval: interval,
		timeout:  time.Second,
		next:     time.Now(),
	}
}

func (d *DemoPort) Read(p []byte) (int, error) {
	deadline := time.Now().Add(d.readTimeout())
	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return 0, io.EOF
		}
		if len(d.pending) == 0 && !time.Now().Before(d.next) {
			d.pending = []byte(d.frame())
			d.next = time.Now().Add(d.interval)
		}
		if len(d.pending) > 0 {
			n := copy(p, d.pending)
			d.pending = d.pending[n:]
			d.mu.Unlock()
			return n, nil
		}
		d.mu.Unlock()
		if !time.Now().Before(deadline) {
			return 0, nil
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// Write treats any incoming bytes as a trigger and schedules the next frame
// immediately, which makes the connect probe and the reader's nudges work the
// same way they do against real firmware.
func (d *DemoPort) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, io.ErrClosedPipe
	}
	d.next = time.Now()
	return len(p), nil
}

func (d *DemoPort) ResetInputBuffer() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = nil
	return nil
}

func (d *DemoPort) ResetOutputBuffer() error { return nil }

func (d *DemoPort) SetReadTimeout(t time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timeout = t
	return nil
}

func (d *DemoPort) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *DemoPort) readTimeout() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timeout
}

// frame synthesizes one plausible tab-delimited line for the product family.
func (d *DemoPort) frame() string {
	d.t++
	temp := 19.0 + 1.5*math.Sin(d.t*0.05) + rand.Float64()*0.1
	switch InferSensorType(d.product) {
	case TypeOxygen:
		sat := 96.0 + 2.5*math.Sin(d.t*0.08)
		conc := 280.0*(sat/100.0) - 60.0
		return fmt.Sprintf("%s\t%s\t%.2f\t%.2f\t%.3f\r\n", d.product, d.serialNo, conc, sat, temp)
	case TypeConductivity:
		cond := 40.0 + 1.2*math.Sin(d.t*0.03) + rand.Float64()*0.05
		return fmt.Sprintf("%s\t%s\t%.3f\t%.3f\r\n", d.product, d.serialNo, cond, temp)
	case TypePressure:
		kpa := 111.3 + 2.0*math.Sin(d.t*0.04) + rand.Float64()*0.05
		return fmt.Sprintf("%s\t%s\t%.3f\t%.3f\r\n", d.product, d.serialNo, kpa, temp)
	default:
		return fmt.Sprintf("%s\t%s\t%.3f\t%.3f\r\n", d.product, d.serialNo, rand.Float64()*10, temp)
	}
}
