package efble

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
)

// Discriminant identifies a message schema: source endpoint plus command
// set/id from the packet header.
type Discriminant struct {
	Src    byte
	CmdSet byte
	CmdID  byte
}

func (d Discriminant) String() string {
	return fmt.Sprintf("%02x/%02x/%02x", d.Src, d.CmdSet, d.CmdID)
}

// FieldKind is the decoded representation of a schema field.
type FieldKind int

const (
	KindVarint FieldKind = iota
	KindBool
	KindFloat
	KindDouble
	KindFixed32
	KindBytes
	KindMessage
)

// FieldSpec declares one field of a telemetry message. Scale converts the
// raw wire integer into the field's unit (e.g. raw tenths of a volt carry
// Scale 0.1 and Unit "V"); it is fixed here, never inferred at decode time.
type FieldSpec struct {
	Num       int
	Name      string
	Kind      FieldKind
	Repeated  bool
	Mandatory bool
	Scale     float64
	Unit      string
	Fields    []FieldSpec // for KindMessage
}

// MessageSchema is the field tree for one discriminant.
type MessageSchema struct {
	Name   string
	Fields []FieldSpec
}

// Registry maps discriminants to telemetry schemas and command kinds to
// encoders. Per-model tables register here; adding a device model is a data
// change, not a structural one.
type Registry struct {
	mu       sync.RWMutex
	schemas  map[Discriminant]*MessageSchema
	commands map[CommandKind]*CommandSpec
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		schemas:  make(map[Discriminant]*MessageSchema),
		commands: make(map[CommandKind]*CommandSpec),
	}
}

// RegisterSchema binds a telemetry schema to a discriminant.
func (r *Registry) RegisterSchema(d Discriminant, s *MessageSchema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[d] = s
}

// Schema looks up the schema for a discriminant.
func (r *Registry) Schema(d Discriminant) (*MessageSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[d]
	return s, ok
}

// Decode turns a packet into a telemetry record using the registered schema
// for its discriminant. Packets with no registered schema return (nil, nil)
// and are simply not telemetry. A missing mandatory field fails with
// ErrSchemaViolation; unknown fields are skipped, never fatal.
func (r *Registry) Decode(pkt *Packet) (*TelemetryRecord, error) {
	schema, ok := r.Schema(Discriminant{Src: pkt.Src, CmdSet: pkt.CmdSet, CmdID: pkt.CmdID})
	if !ok {
		return nil, nil
	}

	rec := &TelemetryRecord{
		Schema: schema.Name,
		Seq:    pkt.Seq,
		Fields: make(map[string]FieldValue),
	}
	if err := decodeMessage(schema.Fields, pkt.Payload, "", rec); err != nil {
		return nil, err
	}
	if err := checkMandatory(schema.Fields, "", rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Protobuf wire types.
const (
	wireVarint  = 0
	wireFixed64 = 1
	wireBytes   = 2
	wireFixed32 = 5
)

func decodeMessage(fields []FieldSpec, data []byte, prefix string, rec *TelemetryRecord) error {
	specs := make(map[int]*FieldSpec, len(fields))
	for i := range fields {
		specs[fields[i].Num] = &fields[i]
	}

	for len(data) > 0 {
		tag, n := binary.Uvarint(data)
		if n <= 0 {
			return fmt.Errorf("%w: bad field tag in %q", ErrSchemaViolation, prefix)
		}
		data = data[n:]
		num := int(tag >> 3)
		wt := int(tag & 0x07)

		spec := specs[num]
		if spec != nil && wireTypeMatches(spec, wt) {
			var err error
			data, err = decodeField(spec, wt, data, prefix, rec)
			if err != nil {
				return err
			}
			continue
		}

		// Unknown or mismatched field: skip by wire type for forward
		// compatibility.
		var err error
		data, err = skipField(wt, data, prefix)
		if err != nil {
			return err
		}
	}
	return nil
}

func wireTypeMatches(spec *FieldSpec, wt int) bool {
	switch spec.Kind {
	case KindVarint, KindBool:
		return wt == wireVarint || (spec.Repeated && wt == wireBytes)
	case KindFloat, KindFixed32:
		return wt == wireFixed32 || (spec.Repeated && wt == wireBytes)
	case KindDouble:
		return wt == wireFixed64 || (spec.Repeated && wt == wireBytes)
	case KindBytes, KindMessage:
		return wt == wireBytes
	default:
		return false
	}
}

func decodeField(spec *FieldSpec, wt int, data []byte, prefix string, rec *TelemetryRecord) ([]byte, error) {
	name := fieldPath(prefix, spec.Name)

	switch {
	case wt == wireVarint:
		v, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, fmt.Errorf("%w: truncated varint %q", ErrSchemaViolation, name)
		}
		rec.addNumeric(spec, name, scaled(spec, float64(v)))
		return data[n:], nil

	case wt == wireFixed32:
		if len(data) < 4 {
			return nil, fmt.Errorf("%w: truncated fixed32 %q", ErrSchemaViolation, name)
		}
		bits := binary.LittleEndian.Uint32(data)
		v := float64(bits)
		if spec.Kind == KindFloat {
			v = float64(math.Float32frombits(bits))
		}
		rec.addNumeric(spec, name, scaled(spec, v))
		return data[4:], nil

	case wt == wireFixed64:
		if len(data) < 8 {
			return nil, fmt.Errorf("%w: truncated fixed64 %q", ErrSchemaViolation, name)
		}
		v := math.Float64frombits(binary.LittleEndian.Uint64(data))
		rec.addNumeric(spec, name, scaled(spec, v))
		return data[8:], nil

	case wt == wireBytes:
		body, rest, err := consumeBytes(data, name)
		if err != nil {
			return nil, err
		}
		switch spec.Kind {
		case KindMessage:
			if err := decodeMessage(spec.Fields, body, name, rec); err != nil {
				return nil, err
			}
		case KindBytes:
			rec.addBytes(spec, name, body)
		default:
			// Packed repeated numerics.
			if err := decodePacked(spec, body, name, rec); err != nil {
				return nil, err
			}
		}
		return rest, nil
	}

	return nil, fmt.Errorf("%w: unsupported wire type %d for %q", ErrSchemaViolation, wt, name)
}

func decodePacked(spec *FieldSpec, body []byte, name string, rec *TelemetryRecord) error {
	for len(body) > 0 {
		switch spec.Kind {
		case KindVarint, KindBool:
			v, n := binary.Uvarint(body)
			if n <= 0 {
				return fmt.Errorf("%w: truncated packed varint %q", ErrSchemaViolation, name)
			}
			rec.addNumeric(spec, name, scaled(spec, float64(v)))
			body = body[n:]
		case KindFloat, KindFixed32:
			if len(body) < 4 {
				return fmt.Errorf("%w: truncated packed fixed32 %q", ErrSchemaViolation, name)
			}
			bits := binary.LittleEndian.Uint32(body)
			v := float64(bits)
			if spec.Kind == KindFloat {
				v = float64(math.Float32frombits(bits))
			}
			rec.addNumeric(spec, name, scaled(spec, v))
			body = body[4:]
		case KindDouble:
			if len(body) < 8 {
				return fmt.Errorf("%w: truncated packed fixed64 %q", ErrSchemaViolation, name)
			}
			rec.addNumeric(spec, name, scaled(spec, math.Float64frombits(binary.LittleEndian.Uint64(body))))
			body = body[8:]
		default:
			return fmt.Errorf("%w: %q cannot be packed", ErrSchemaViolation, name)
		}
	}
	return nil
}

func skipField(wt int, data []byte, prefix string) ([]byte, error) {
	switch wt {
	case wireVarint:
		_, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, fmt.Errorf("%w: truncated unknown varint in %q", ErrSchemaViolation, prefix)
		}
		return data[n:], nil
	case wireFixed64:
		if len(data) < 8 {
			return nil, fmt.Errorf("%w: truncated unknown fixed64 in %q", ErrSchemaViolation, prefix)
		}
		return data[8:], nil
	case wireBytes:
		_, rest, err := consumeBytes(data, prefix)
		return rest, err
	case wireFixed32:
		if len(data) < 4 {
			return nil, fmt.Errorf("%w: truncated unknown fixed32 in %q", ErrSchemaViolation, prefix)
		}
		return data[4:], nil
	default:
		return nil, fmt.Errorf("%w: unknown wire type %d in %q", ErrSchemaViolation, wt, prefix)
	}
}

func consumeBytes(data []byte, name string) (body, rest []byte, err error) {
	l, n := binary.Uvarint(data)
	// Compare in uint64 space: a declared length >= 2^63 would wrap
	// negative through int and slip past an int comparison.
	if n <= 0 || l > uint64(len(data)-n) {
		return nil, nil, fmt.Errorf("%w: truncated length-delimited %q", ErrSchemaViolation, name)
	}
	return data[n : n+int(l)], data[n+int(l):], nil
}

func checkMandatory(fields []FieldSpec, prefix string, rec *TelemetryRecord) error {
	for i := range fields {
		spec := &fields[i]
		if !spec.Mandatory {
			continue
		}
		name := fieldPath(prefix, spec.Name)
		if spec.Kind == KindMessage {
			if err := checkMandatory(spec.Fields, name, rec); err != nil {
				return err
			}
			continue
		}
		if _, ok := rec.Fields[name]; !ok {
			return fmt.Errorf("%w: mandatory field %q missing", ErrSchemaViolation, name)
		}
	}
	return nil
}

func scaled(spec *FieldSpec, v float64) float64 {
	if spec.Scale != 0 {
		return v * spec.Scale
	}
	return v
}

func fieldPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Encoding helpers for command payloads. Device model tables use these to
// build outbound message bodies.

func appendTag(buf []byte, num, wt int) []byte {
	return binary.AppendUvarint(buf, uint64(num)<<3|uint64(wt))
}

// AppendVarintField appends a varint-typed field.
func AppendVarintField(buf []byte, num int, v uint64) []byte {
	buf = appendTag(buf, num, wireVarint)
	return binary.AppendUvarint(buf, v)
}

// AppendBytesField appends a length-delimited field, which also serves for
// embedded messages.
func AppendBytesField(buf []byte, num int, body []byte) []byte {
	buf = appendTag(buf, num, wireBytes)
	buf = binary.AppendUvarint(buf, uint64(len(body)))
	return append(buf, body...)
}
