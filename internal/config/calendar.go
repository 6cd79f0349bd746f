package config

import (
	"fmt"
	"os"
	"time"

	yamlv2 "gopkg.in/yaml.v2"

	"github.com/sawpanic/stormwatch/internal/gates"
)

// calendarFile is the on-disk schema of the one-off blackout calendar.
// The file is maintained by ops tooling that still writes the older
// yaml dialect, hence the v2 decoder.
type calendarFile struct {
	Windows []struct {
		Event string `yaml:"event"`
		Start string `yaml:"start"`
		End   string `yaml:"end"`
	} `yaml:"windows"`
}

// LoadCalendar reads the explicit mask calendar. A missing path yields
// an empty calendar, not an error.
func LoadCalendar(path string) ([]gates.Window, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read calendar: %w", err)
	}
	var file calendarFile
	if err := yamlv2.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse calendar: %w", err)
	}
	windows := make([]gates.Window, 0, len(file.Windows))
	for i, w := range file.Windows {
		start, err := time.Parse(time.RFC3339, w.Start)
		if err != nil {
			return nil, fmt.Errorf("calendar entry %d start: %w", i, err)
		}
		end, err := time.Parse(time.RFC3339, w.End)
		if err != nil {
			return nil, fmt.Errorf("calendar entry %d end: %w", i, err)
		}
		if end.Before(start) {
			return nil, fmt.Errorf("calendar entry %d: end before start", i)
		}
		windows = append(windows, gates.Window{Event: w.Event, Start: start, End: end})
	}
	return windows, nil
}

// GateConfig converts the mask surface into the gate's runtime form.
func (m MaskConfig) GateConfig() gates.MaskConfig {
	out := gates.MaskConfig{
		Staleness: time.Duration(m.StalenessSeconds) * time.Second,
	}
	for _, r := range m.Recurrences {
		out.Recurrences = append(out.Recurrences, gates.Recurrence{
			Event:  r.Event,
			Every:  time.Duration(r.EveryHours) * time.Hour,
			Offset: time.Duration(r.OffsetMinutes) * time.Minute,
			Pad:    time.Duration(r.PadMinutes) * time.Minute,
		})
	}
	if len(out.Recurrences) == 0 {
		out.Recurrences = gates.DefaultMaskConfig().Recurrences
	}
	return out
}
