package aanderaa

import (
	"bytes"
	"encoding/json"
	"time"
)

// Measurements is a field-name → value mapping that preserves insertion order.
// Decoded frames rely on that order: ProductNumber, SerialNumber and the raw
// Value1..ValueN columns always come first, named/derived fields are appended
// after. Setting an existing key overwrites the value in place.
type Measurements struct {
	keys []string
	vals map[string]string
}

func NewMeasurements() *Measurements {
	return &Measurements{vals: make(map[string]string)}
}

func (m *Measurements) Set(key, value string) {
	if _, ok := m.vals[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.vals[key] = value
}

func (m *Measurements) Get(key string) (string, bool) {
	v, ok := m.vals[key]
	return v, ok
}

func (m *Measurements) Has(key string) bool {
	_, ok := m.vals[key]
	return ok
}

func (m *Measurements) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Keys returns the field names in insertion order. The returned slice is a
// copy and safe to retain.
func (m *Measurements) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// MarshalJSON emits a JSON object whose members appear in insertion order.
func (m *Measurements) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	var b bytes.Buffer
	b.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(m.vals[k])
		if err != nil {
			return nil, err
		}
		b.Write(kb)
		b.WriteByte(':')
		b.Write(vb)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

// Event is one accepted measurement frame, the unit crossing the package
// boundary. The timestamp is decode time: the wire protocol carries no native
// timestamp. Events are immutable once emitted except for the enrichment the
// derived-quantity engine performs on Measurements before the sinks see them.
type Event struct {
	Timestamp    time.Time
	ComPort      string
	Name         string
	Type         SensorType
	Measurements *Measurements
	RawLine      string
}

// MarshalJSON emits exactly the recorded event shape: timestamp (ISO-8601),
// com_port, name, measurements (ordered) and raw_line. The sensor type is an
// in-process dispatch detail and is deliberately not serialized.
func (ev Event) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(`{"timestamp":`)
	tb, err := json.Marshal(ev.Timestamp.Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	b.Write(tb)
	b.WriteString(`,"com_port":`)
	pb, err := json.Marshal(ev.ComPort)
	if err != nil {
		return nil, err
	}
	b.Write(pb)
	b.WriteString(`,"name":`)
	nb, err := json.Marshal(ev.Name)
	if err != nil {
		return nil, err
	}
	b.Write(nb)
	b.WriteString(`,"measurements":`)
	mb, err := json.Marshal(ev.Measurements)
	if err != nil {
		return nil, err
	}
	b.Write(mb)
	b.WriteString(`,"raw_line":`)
	rb, err := json.Marshal(ev.RawLine)
	if err != nil {
		return nil, err
	}
	b.Write(rb)
	b.WriteByte('}')
	return b.Bytes(), nil
}
