package models

import (
	"strings"
	"time"

	"github.com/benmeehan/tractive-agent/internal/constants"
)

// CommandType is the closed set of tracker controls.
type CommandType string

const (
	LEDControl    CommandType = "LED_CONTROL"
	BuzzerControl CommandType = "BUZZER_CONTROL"
	LiveTracking  CommandType = "LIVE_TRACKING"
	BatterySaver  CommandType = "BATTERY_SAVER"
	PublicShare   CommandType = "PUBLIC_SHARE"
)

// CommandTypes lists every valid CommandType.
var CommandTypes = []CommandType{LEDControl, BuzzerControl, LiveTracking, BatterySaver, PublicShare}

// CommandState is the requested on/off state.
type CommandState string

const (
	StateOn  CommandState = "ON"
	StateOff CommandState = "OFF"
)

// ParseCommandType accepts the enum name or the lowercase wire name.
func ParseCommandType(s string) (CommandType, error) {
	norm := CommandType(strings.ToUpper(strings.TrimSpace(strings.ReplaceAll(s, "-", "_"))))
	if norm == "BATTERY_SAVE_MODE" {
		norm = BatterySaver
	}
	for _, t := range CommandTypes {
		if norm == t {
			return t, nil
		}
	}
	return "", &ValidationError{Field: "command", Value: s, Reason: "unknown command type"}
}

// ParseCommandState accepts on/off in any case.
func ParseCommandState(s string) (CommandState, error) {
	switch CommandState(strings.ToUpper(strings.TrimSpace(s))) {
	case StateOn:
		return StateOn, nil
	case StateOff:
		return StateOff, nil
	default:
		return "", &ValidationError{Field: "state", Value: s, Reason: "must be ON or OFF"}
	}
}

// WireName is the path segment used by the tracker command endpoint.
func (t CommandType) WireName() string {
	switch t {
	case LEDControl:
		return constants.WireLEDControl
	case BuzzerControl:
		return constants.WireBuzzerControl
	case LiveTracking:
		return constants.WireLiveTracking
	case BatterySaver:
		return constants.WireBatterySaver
	case PublicShare:
		return constants.WirePublicShare
	default:
		return ""
	}
}

// WireName is "on" or "off".
func (s CommandState) WireName() string {
	if s == StateOn {
		return constants.WireOn
	}
	return constants.WireOff
}

// Bool returns true for ON.
func (s CommandState) Bool() bool {
	return s == StateOn
}

// Command is a request to change one device attribute.
type Command struct {
	Type    CommandType  `json:"type"`
	State   CommandState `json:"state"`
	Message string       `json:"message,omitempty"`
}

// NewCommand parses raw strings into a validated Command.
func NewCommand(commandType, state, message string) (Command, error) {
	t, err := ParseCommandType(commandType)
	if err != nil {
		return Command{}, err
	}
	s, err := ParseCommandState(state)
	if err != nil {
		return Command{}, err
	}
	cmd := Command{Type: t, State: s, Message: message}
	return cmd, cmd.Validate()
}

// Validate rejects unknown values and messages on anything but PUBLIC_SHARE ON.
func (c Command) Validate() error {
	if c.Type.WireName() == "" {
		return &ValidationError{Field: "command", Value: string(c.Type), Reason: "unknown command type"}
	}
	if c.State != StateOn && c.State != StateOff {
		return &ValidationError{Field: "state", Value: string(c.State), Reason: "must be ON or OFF"}
	}
	if c.Message != "" {
		if c.Type != PublicShare || c.State != StateOn {
			return &ValidationError{Field: "message", Reason: "only PUBLIC_SHARE ON takes a message"}
		}
		if len(c.Message) > constants.MaxShareMessageLength {
			return &ValidationError{Field: "message", Reason: "longer than 255 characters"}
		}
	}
	return nil
}

func (c Command) String() string {
	return string(c.Type) + "=" + string(c.State)
}

// Acknowledgement is the outcome of a dispatched command.
type Acknowledgement struct {
	Command     Command   `json:"command"`
	Status      string    `json:"status"`
	Confirmed   bool      `json:"confirmed"`
	Polls       int       `json:"polls"`
	SentAt      time.Time `json:"sent_at"`
	ResolvedAt  time.Time `json:"resolved_at"`
	ShareID     string    `json:"share_id,omitempty"`
	ShareLink   string    `json:"share_link,omitempty"`
	Description string    `json:"description,omitempty"`
}
