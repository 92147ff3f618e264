package aanderaa

import (
	"fmt"
	"log"
	"time"

	"go.bug.st/serial/enumerator"
)

// PortInfo describes a candidate serial port found during discovery.
type PortInfo struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
}

// ListPorts enumerates the serial ports present on the system.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("aanderaa: enumerate ports: %w", err)
	}
	out := make([]PortInfo, 0, len(details))
	for _, d := range details {
		out = append(out, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
		})
	}
	return out, nil
}

// IdentifyPorts probes every discovered serial port with the wake/probe
// sequence and returns a handle for each responsive one. Sensors that only
// soft-connected are given a short grace window to emit a first frame so the
// suggested configuration can name them. Callers own the returned handles and
// must Disconnect them.
func IdentifyPorts() []*Sensor {
	infos, err := ListPorts()
	if err != nil {
		log.Printf("[scan] %v", err)
		return nil
	}
	var sensors []*Sensor
	for _, info := range infos {
		if info.IsUSB {
			log.Printf("[scan] probing %s (USB %s:%s)", info.Name, info.VID, info.PID)
		} else {
			log.Printf("[scan] probing %s", info.Name)
		}
		s := NewSensor(Config{ComPort: info.Name})
		if err := s.Connect(); err != nil {
			log.Printf("[scan] %s: %v", info.Name, err)
			continue
		}
		sensors = append(sensors, s)
	}
	primeIdentification(sensors, 8*time.Second)
	return sensors
}

// primeIdentification opportunistically waits for sensors that connected
// without an identity to stream at least one valid frame. Many devices only
// transmit on their own interval (15-30 s), so this trades a short wait for a
// usable product/serial without a full polling cycle.
func primeIdentification(sensors []*Sensor, maxWait time.Duration) {
	deadline := time.Now().Add(maxWait)
	for time.Now().Before(deadline) {
		pending := 0
		for _, s := range sensors {
			if s.ProductNumber() != "" && s.SerialNumber() != "" {
				continue
			}
			pending++
			p := s.Port()
			if p == nil {
				continue
			}
			raw := readFor(p, 600*time.Millisecond, 50*time.Millisecond)
			if frame, ok := SelectDataFrame(ExtractFrames(raw)); ok {
				s.DecodeFrame(frame)
			}
		}
		if pending == 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// SuggestedName builds a human-readable display name for a detected sensor.
func SuggestedName(product, serialNo string) string {
	switch InferSensorType(product) {
	case TypeOxygen:
		return fmt.Sprintf("Oxygen Optode %s SN %s", product, serialNo)
	case TypeConductivity:
		return fmt.Sprintf("Conductivity Sensor %s SN %s", product, serialNo)
	case TypePressure:
		return fmt.Sprintf("Pressure Sensor %s SN %s", product, serialNo)
	default:
		return fmt.Sprintf("Sensor %s SN %s", product, serialNo)
	}
}
