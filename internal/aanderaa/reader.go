package aanderaa

import (
	"log"
	"strings"
	"time"
)

// clock abstracts wall time for the reader loop so the nudge/trigger deadline
// policy is testable instead of being scattered ambient time.Now calls.
type clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

const (
	// nudgeAfter is how long a channel may stay frameless before a harmless
	// CRLF is sent; the same interval rate-limits the nudge itself.
	nudgeAfter = 8 * time.Second
	// triggerAfter is how long before a one-shot measurement trigger pair is
	// sent to a persistently silent channel.
	triggerAfter = 25 * time.Second
	// waitLogAfter rate-limits the waiting-for-frame diagnostics.
	waitLogAfter = 10 * time.Second
	// errBackoff is the pause after a read error before trying again.
	errBackoff = 50 * time.Millisecond

	readChunk = 256

	// noiseChars are the characters an idle Aanderaa channel emits: prompt
	// echoes, the '!' ready indicator, line terminators and XON/XOFF.
	noiseChars = "%;!*\r\n\t \x11\x13"
)

// RunReader turns the sensor's serial byte stream into Events on out until
// stop is closed. It re-synchronizes on line boundaries, collapses idle-channel
// noise, nudges silent sensors and absorbs malformed lines; it never closes
// the port (that belongs to the sensor's owner) and exits within one
// iteration of stop, bounded by the port's read timeout.
func RunReader(stop <-chan struct{}, s *Sensor, out chan Event) {
	newReader(s, out, realClock{}).run(stop)
}

// reader carries one loop iteration's state explicitly: the accumulation
// buffer and the deadline bookkeeping for nudging and diagnostics.
type reader struct {
	s    *Sensor
	port Port
	out  chan Event
	clk  clock

	buffer      string
	lastFrame   time.Time
	lastNudge   time.Time
	lastTrigger time.Time
	lastWaitLog time.Time

	buf []byte
}

func newReader(s *Sensor, out chan Event, clk clock) *reader {
	now := clk.Now()
	return &reader{
		s:           s,
		port:        s.Port(),
		out:         out,
		clk:         clk,
		lastFrame:   now,
		lastNudge:   now,
		lastTrigger: now,
		lastWaitLog: now,
		buf:         make([]byte, readChunk),
	}
}

func (r *reader) run(stop <-chan struct{}) {
	if r.port == nil {
		log.Printf("[reader] %s: no open port, reader not started", r.s.ComPort())
		return
	}
	log.Printf("[reader] %s: streaming", r.s.ComPort())
	for {
		select {
		case <-stop:
			log.Printf("[reader] %s: stopped", r.s.ComPort())
			return
		default:
		}
		r.iterate()
	}
}

// iterate performs one read/decode pass. Split out from run so the framing,
// noise and nudge policies can be driven deterministically in tests.
func (r *reader) iterate() {
	n, err := r.port.Read(r.buf)
	if err != nil {
		// Transient serial errors are routine on this hardware; back off
		// briefly and keep the stream alive.
		r.clk.Sleep(errBackoff)
		return
	}
	if n > 0 {
		r.buffer += string(asciiOnly(r.buf[:n]))
	}

	// An idle channel drips prompt echoes and flow-control bytes; collapse
	// the buffer before it grows without bound. Tabs are kept since they may
	// precede a real frame.
	if r.buffer != "" && !strings.Contains(r.buffer, "\t") && isNoiseOnly(r.buffer) {
		r.buffer = ""
	}

	now := r.clk.Now()
	if now.Sub(r.lastFrame) > nudgeAfter && now.Sub(r.lastNudge) > nudgeAfter {
		// A bare newline prompts some firmwares without touching their
		// configuration.
		if _, err := r.port.Write([]byte("\r\n")); err != nil {
			log.Printf("[reader] %s: nudge write failed: %v", r.s.ComPort(), err)
		}
		r.lastNudge = now
	}
	if now.Sub(r.lastFrame) > triggerAfter && now.Sub(r.lastTrigger) > triggerAfter {
		// One-shot measurement trigger; some firmwares want 'Do', others 'DO'.
		if _, err := r.port.Write([]byte("Do\r\n")); err == nil {
			r.port.Write([]byte("DO\r\n"))
		} else {
			log.Printf("[reader] %s: trigger write failed: %v", r.s.ComPort(), err)
		}
		r.lastTrigger = now
	}

	if !strings.ContainsAny(r.buffer, "\r\n") {
		if r.buffer != "" && now.Sub(r.lastWaitLog) > waitLogAfter {
			tail := r.buffer
			if len(tail) > 120 {
				tail = tail[len(tail)-120:]
			}
			tail = strings.NewReplacer("\x11", "", "\x13", "").Replace(tail)
			log.Printf("[reader] %s: waiting for frame, buffer tail: %q", r.s.ComPort(), tail)
			r.lastWaitLog = now
		}
		// Some devices omit line terminators entirely. Once the buffer
		// plausibly holds a whole frame, try a direct parse as a last resort.
		if strings.Contains(r.buffer, "\t") && len(r.buffer) > 20 {
			if ev, ok := r.decodeLine(r.buffer); ok {
				r.emit(ev)
				r.lastFrame = r.clk.Now()
				r.buffer = ""
			}
		}
		return
	}

	lines := strings.Split(strings.ReplaceAll(r.buffer, "\r", "\n"), "\n")
	r.buffer = lines[len(lines)-1] // trailing partial segment
	for _, line := range lines[:len(lines)-1] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		ev, ok := r.decodeLine(line)
		if !ok {
			continue
		}
		r.emit(ev)
		r.lastFrame = r.clk.Now()
	}
}

func (r *reader) decodeLine(line string) (Event, bool) {
	frame, ok := SelectDataFrame(ExtractFrames(line))
	if !ok {
		return Event{}, false
	}
	m := r.s.DecodeFrame(frame)
	if m == nil {
		return Event{}, false
	}
	return Event{
		Timestamp:    r.clk.Now(),
		ComPort:      r.s.ComPort(),
		Name:         r.s.Name(),
		Type:         r.s.Type(),
		Measurements: m,
		RawLine:      line,
	}, true
}

// emit delivers the event without ever blocking the serial drain. If the
// consumer has fallen behind, the oldest pending event is discarded to make
// room; the latest measurement is the one worth keeping.
func (r *reader) emit(ev Event) {
	select {
	case r.out <- ev:
		return
	default:
	}
	select {
	case <-r.out:
	default:
	}
	select {
	case r.out <- ev:
	default:
	}
}

func isNoiseOnly(s string) bool {
	for i := 0; i < len(s); i++ {
		if !strings.ContainsRune(noiseChars, rune(s[i])) {
			return false
		}
	}
	return true
}
