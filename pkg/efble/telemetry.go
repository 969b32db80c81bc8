package efble

import (
	"sync"
	"time"
)

// FieldValue is one decoded telemetry field. Scalar fields carry Num or
// Bytes; repeated fields accumulate into Nums or Blobs.
type FieldValue struct {
	Kind  FieldKind
	Unit  string
	Num   float64
	Nums  []float64
	Bytes []byte
	Blobs [][]byte
}

// TelemetryRecord is the decoded content of a single telemetry packet,
// keyed by dotted field path.
type TelemetryRecord struct {
	Schema string
	Seq    uint32
	Fields map[string]FieldValue
}

func (r *TelemetryRecord) addNumeric(spec *FieldSpec, name string, v float64) {
	fv := r.Fields[name]
	fv.Kind = spec.Kind
	fv.Unit = spec.Unit
	if spec.Repeated {
		fv.Nums = append(fv.Nums, v)
	} else {
		fv.Num = v
	}
	r.Fields[name] = fv
}

func (r *TelemetryRecord) addBytes(spec *FieldSpec, name string, body []byte) {
	fv := r.Fields[name]
	fv.Kind = spec.Kind
	fv.Unit = spec.Unit
	b := make([]byte, len(body))
	copy(b, body)
	if spec.Repeated {
		fv.Blobs = append(fv.Blobs, b)
	} else {
		fv.Bytes = b
	}
	r.Fields[name] = fv
}

// StateDelta reports one applied telemetry record: the fields it changed
// and when it was applied.
type StateDelta struct {
	Schema  string
	Seq     uint32
	Changed []string
	Fields  map[string]FieldValue
	At      time.Time
}

// DeviceState is the merged view of everything the device has reported.
// Records are applied atomically: readers never observe a half-applied
// record, and a record that fails validation is never applied at all.
type DeviceState struct {
	mu     sync.RWMutex
	fields map[string]FieldValue
	seen   time.Time
}

// NewDeviceState returns an empty state.
func NewDeviceState() *DeviceState {
	return &DeviceState{fields: make(map[string]FieldValue)}
}

// Apply merges a record and returns the delta. Fields absent from the
// record keep their previous values; repeated fields replace wholesale.
func (s *DeviceState) Apply(rec *TelemetryRecord) StateDelta {
	now := time.Now()
	delta := StateDelta{
		Schema: rec.Schema,
		Seq:    rec.Seq,
		Fields: make(map[string]FieldValue, len(rec.Fields)),
		At:     now,
	}

	s.mu.Lock()
	for name, fv := range rec.Fields {
		if !fieldEqual(s.fields[name], fv) {
			delta.Changed = append(delta.Changed, name)
		}
		s.fields[name] = fv
		delta.Fields[name] = fv
	}
	s.seen = now
	s.mu.Unlock()

	return delta
}

// Get returns a single field by dotted path.
func (s *DeviceState) Get(name string) (FieldValue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fv, ok := s.fields[name]
	return fv, ok
}

// Snapshot returns a copy of all known fields.
func (s *DeviceState) Snapshot() map[string]FieldValue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]FieldValue, len(s.fields))
	for name, fv := range s.fields {
		out[name] = fv
	}
	return out
}

// LastSeen reports when the most recent record was applied.
func (s *DeviceState) LastSeen() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seen
}

// Reset clears all state, used at session teardown.
func (s *DeviceState) Reset() {
	s.mu.Lock()
	s.fields = make(map[string]FieldValue)
	s.seen = time.Time{}
	s.mu.Unlock()
}

func fieldEqual(a, b FieldValue) bool {
	if a.Kind != b.Kind || a.Num != b.Num {
		return false
	}
	if len(a.Nums) != len(b.Nums) || len(a.Blobs) != len(b.Blobs) {
		return false
	}
	for i := range a.Nums {
		if a.Nums[i] != b.Nums[i] {
			return false
		}
	}
	if string(a.Bytes) != string(b.Bytes) {
		return false
	}
	for i := range a.Blobs {
		if string(a.Blobs[i]) != string(b.Blobs[i]) {
			return false
		}
	}
	return true
}
