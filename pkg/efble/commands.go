package efble

import (
	"fmt"

	"github.com/google/uuid"
)

// CommandKind names a device command.
type CommandKind string

const (
	CmdSetCircuitPower  CommandKind = "set_circuit_power"
	CmdSetBackupChannel CommandKind = "set_backup_channel"
	CmdSetBackupReserve CommandKind = "set_backup_reserve"
)

// Command is one validated, addressable request to a device.
type Command struct {
	ID     uuid.UUID
	Kind   CommandKind
	Params map[string]float64
}

// NewCommand assigns a fresh ID to a command request.
func NewCommand(kind CommandKind, params map[string]float64) Command {
	return Command{ID: uuid.New(), Kind: kind, Params: params}
}

// ParamSpec declares one command parameter and its accepted range.
type ParamSpec struct {
	Name     string
	Min      float64
	Max      float64
	Integer  bool
	Required bool
}

// CommandSpec binds a command kind to its packet addressing and encoder.
// Validation happens against Params before anything touches the wire.
type CommandSpec struct {
	Kind   CommandKind
	CmdSet byte
	CmdID  byte
	Dst    byte
	Params []ParamSpec
	Encode func(params map[string]float64) []byte
}

// RegisterCommand binds a command spec in the registry.
func (r *Registry) RegisterCommand(spec *CommandSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[spec.Kind] = spec
}

// CommandSpecFor looks up the spec for a command kind.
func (r *Registry) CommandSpecFor(kind CommandKind) (*CommandSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.commands[kind]
	return spec, ok
}

// Validate checks a parameter set against the spec. It rejects unknown
// parameters, missing required ones, and out-of-range or non-integral
// values, all before any I/O happens.
func (s *CommandSpec) Validate(params map[string]float64) error {
	known := make(map[string]*ParamSpec, len(s.Params))
	for i := range s.Params {
		known[s.Params[i].Name] = &s.Params[i]
	}

	for name := range params {
		if _, ok := known[name]; !ok {
			return fmt.Errorf("%w: %s: unknown parameter %q", ErrInvalidCommand, s.Kind, name)
		}
	}
	for name, p := range known {
		v, ok := params[name]
		if !ok {
			if p.Required {
				return fmt.Errorf("%w: %s: missing parameter %q", ErrInvalidCommand, s.Kind, name)
			}
			continue
		}
		if v < p.Min || v > p.Max {
			return fmt.Errorf("%w: %s: %q=%v outside [%v, %v]",
				ErrInvalidCommand, s.Kind, name, v, p.Min, p.Max)
		}
		if p.Integer && v != float64(int64(v)) {
			return fmt.Errorf("%w: %s: %q=%v must be integral", ErrInvalidCommand, s.Kind, name, v)
		}
	}
	return nil
}

// buildCommandPacket validates params and produces the plaintext packet for
// a command, ready for session encryption.
func buildCommandPacket(reg *Registry, cmd Command, seq uint32) (*Packet, error) {
	spec, ok := reg.CommandSpecFor(cmd.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: unknown command kind %q", ErrInvalidCommand, cmd.Kind)
	}
	if err := spec.Validate(cmd.Params); err != nil {
		return nil, err
	}
	payload := spec.Encode(cmd.Params)
	pkt := NewPacket(AddrApp, spec.Dst, spec.CmdSet, spec.CmdID, payload, seq)
	return pkt, nil
}
