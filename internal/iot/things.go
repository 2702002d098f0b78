package iot

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Lamp is a virtual on/off light.
type Lamp struct {
	mu sync.Mutex
	on bool
}

func NewLamp() *Lamp { return &Lamp{} }

func (l *Lamp) Name() string { return "Lamp" }

func (l *Lamp) Descriptor() Descriptor {
	return Descriptor{
		Name:        "Lamp",
		Description: "A simple lamp",
		Properties: map[string]Property{
			"power": {Description: "Whether the lamp is on", Type: "boolean"},
		},
		Methods: map[string]Method{
			"TurnOn":  {Description: "Turn the lamp on"},
			"TurnOff": {Description: "Turn the lamp off"},
		},
	}
}

func (l *Lamp) State() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return map[string]any{"power": l.on}
}

func (l *Lamp) Invoke(method string, _ json.RawMessage) (any, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch method {
	case "TurnOn":
		l.on = true
	case "TurnOff":
		l.on = false
	default:
		return nil, fmt.Errorf("iot: lamp has no method %q", method)
	}
	return map[string]any{"power": l.on}, nil
}

// VolumeControl adjusts the playback volume of an output device.
type VolumeControl interface {
	Volume() int
	SetVolume(level int) error
}

// Speaker exposes output volume control to the assistant.
type Speaker struct {
	control VolumeControl
}

func NewSpeaker(control VolumeControl) *Speaker {
	return &Speaker{control: control}
}

func (s *Speaker) Name() string { return "Speaker" }

func (s *Speaker) Descriptor() Descriptor {
	return Descriptor{
		Name:        "Speaker",
		Description: "The device speaker",
		Properties: map[string]Property{
			"volume": {Description: "Current volume level 0-100", Type: "number"},
		},
		Methods: map[string]Method{
			"SetVolume": {
				Description: "Set the volume level",
				Parameters: map[string]Parameter{
					"volume": {Description: "Volume level 0-100", Type: "number", Required: true},
				},
			},
		},
	}
}

func (s *Speaker) State() map[string]any {
	return map[string]any{"volume": s.control.Volume()}
}

func (s *Speaker) Invoke(method string, params json.RawMessage) (any, error) {
	if method != "SetVolume" {
		return nil, fmt.Errorf("iot: speaker has no method %q", method)
	}
	var args struct {
		Volume int `json:"volume"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, fmt.Errorf("iot: SetVolume parameters: %w", err)
	}
	if args.Volume < 0 || args.Volume > 100 {
		return nil, fmt.Errorf("iot: volume %d out of range", args.Volume)
	}
	if err := s.control.SetVolume(args.Volume); err != nil {
		return nil, err
	}
	return map[string]any{"volume": s.control.Volume()}, nil
}

// CountdownTimer schedules a device command to run after a delay.
type CountdownTimer struct {
	mu      sync.Mutex
	nextID  int
	pending map[int]*time.Timer
	execute func(name, method string, params json.RawMessage)
}

// NewCountdownTimer builds a timer thing. execute runs on expiry, on
// the timer's own goroutine.
func NewCountdownTimer(execute func(name, method string, params json.RawMessage)) *CountdownTimer {
	return &CountdownTimer{
		pending: make(map[int]*time.Timer),
		execute: execute,
	}
}

func (c *CountdownTimer) Name() string { return "CountdownTimer" }

func (c *CountdownTimer) Descriptor() Descriptor {
	return Descriptor{
		Name:        "CountdownTimer",
		Description: "Runs a device command after a delay",
		Properties: map[string]Property{
			"pending": {Description: "Number of scheduled countdowns", Type: "number"},
		},
		Methods: map[string]Method{
			"StartCountdown": {
				Description: "Schedule a command",
				Parameters: map[string]Parameter{
					"command": {Description: "Command to run, as a JSON object", Type: "string", Required: true},
					"delay":   {Description: "Delay in seconds", Type: "number"},
				},
			},
			"CancelCountdown": {
				Description: "Cancel a scheduled countdown",
				Parameters: map[string]Parameter{
					"timer_id": {Description: "Identifier returned by StartCountdown", Type: "number", Required: true},
				},
			},
		},
	}
}

func (c *CountdownTimer) State() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]any{"pending": len(c.pending)}
}

func (c *CountdownTimer) Invoke(method string, params json.RawMessage) (any, error) {
	switch method {
	case "StartCountdown":
		return c.start(params)
	case "CancelCountdown":
		return c.cancel(params)
	default:
		return nil, fmt.Errorf("iot: countdown timer has no method %q", method)
	}
}

func (c *CountdownTimer) start(params json.RawMessage) (any, error) {
	var args struct {
		Command string  `json:"command"`
		Delay   float64 `json:"delay"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, fmt.Errorf("iot: StartCountdown parameters: %w", err)
	}
	var cmd struct {
		Name       string          `json:"name"`
		Method     string          `json:"method"`
		Parameters json.RawMessage `json:"parameters"`
	}
	if err := json.Unmarshal([]byte(args.Command), &cmd); err != nil {
		return nil, fmt.Errorf("iot: StartCountdown command: %w", err)
	}
	if args.Delay <= 0 {
		args.Delay = 5
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.pending[id] = time.AfterFunc(time.Duration(args.Delay*float64(time.Second)), func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		c.execute(cmd.Name, cmd.Method, cmd.Parameters)
	})
	c.mu.Unlock()
	return map[string]any{"timer_id": id, "delay": args.Delay}, nil
}

func (c *CountdownTimer) cancel(params json.RawMessage) (any, error) {
	var args struct {
		TimerID int `json:"timer_id"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, fmt.Errorf("iot: CancelCountdown parameters: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	timer, ok := c.pending[args.TimerID]
	if !ok {
		return nil, fmt.Errorf("iot: no countdown %d", args.TimerID)
	}
	timer.Stop()
	delete(c.pending, args.TimerID)
	return map[string]any{"timer_id": args.TimerID, "cancelled": true}, nil
}

// StopAll cancels every pending countdown. Called on shutdown.
func (c *CountdownTimer) StopAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, timer := range c.pending {
		timer.Stop()
		delete(c.pending, id)
	}
}
