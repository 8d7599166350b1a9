// Package control executes administrative commands on behalf of an
// authenticated session.
package control

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"c19x.org/internal/auth"
	"c19x.org/internal/logging"
	"c19x.org/internal/obs"
	"c19x.org/internal/publish"
	"c19x.org/internal/registry"
)

// ErrBadRequest marks a command with missing or invalid arguments.
var ErrBadRequest = errors.New("control: bad request")

const auditEvent = "control"

// Commands in the order reported by help.
var Commands = []string{"help", "infectionData", "unregister", "status", "message", "list", "summary"}

// Authoriser validates session tokens.
type Authoriser interface {
	Authorise(ctx context.Context, token string) (auth.Session, bool)
}

// Devices is the registry surface used by commands.
type Devices interface {
	Unregister(ctx context.Context, serial string) error
	SetStatus(ctx context.Context, serial, status string) error
	SetMessage(ctx context.Context, serial, message string) error
	List(ctx context.Context) ([]registry.Device, error)
}

// Publisher rebuilds the snapshot on demand.
type Publisher interface {
	Publish(ctx context.Context) (publish.Snapshot, error)
}

// Summary counts devices per status.
type Summary struct {
	Healthy            int `json:"healthy" yaml:"healthy"`
	Symptomatic        int `json:"symptomatic" yaml:"symptomatic"`
	ConfirmedDiagnosis int `json:"confirmedDiagnosis" yaml:"confirmedDiagnosis"`
	Other              int `json:"other,omitempty" yaml:"other,omitempty"`
	Total              int `json:"total" yaml:"total"`
}

// Published describes a snapshot rebuilt by the infectionData command.
type Published struct {
	Encoding string `json:"encoding"`
	Entries  int    `json:"entries"`
}

// Result is the outcome of a command. Data is nil for commands without a
// response body.
type Result struct {
	Command string
	Data    any
}

// Plane dispatches commands.
type Plane struct {
	auth    Authoriser
	devices Devices
	pub     Publisher
	auditor auth.Auditor
	log     logging.Logger
}

func New(a Authoriser, d Devices, p Publisher, au auth.Auditor, log logging.Logger) *Plane {
	if log == nil {
		log = logging.Nop{}
	}
	return &Plane{auth: a, devices: d, pub: p, auditor: au, log: log}
}

// Execute runs command for the session identified by token. Only help may
// run without a session.
func (p *Plane) Execute(ctx context.Context, token, command string, args url.Values) (Result, error) {
	if command == "help" {
		obs.ControlCommands.WithLabelValues(command, "ok").Inc()
		return Result{Command: command, Data: Commands}, nil
	}
	session, ok := p.auth.Authorise(ctx, token)
	if !ok {
		obs.ControlCommands.WithLabelValues(metricLabel(command), "unauthorized").Inc()
		p.log.Debug(ctx, "control rejected", "command", command)
		return Result{}, auth.ErrUnauthorized
	}

	data, err := p.run(ctx, command, args)
	p.audit(ctx, session.User, command, args, err)
	if err != nil {
		obs.ControlCommands.WithLabelValues(metricLabel(command), "error").Inc()
		p.log.Warn(ctx, "control command failed", "user", session.User, "command", command, "err", err)
		return Result{}, err
	}
	obs.ControlCommands.WithLabelValues(command, "ok").Inc()
	p.log.Debug(ctx, "control command", "user", session.User, "command", command)
	return Result{Command: command, Data: data}, nil
}

func (p *Plane) run(ctx context.Context, command string, args url.Values) (any, error) {
	switch command {
	case "infectionData":
		s, err := p.pub.Publish(ctx)
		if err != nil {
			return nil, err
		}
		return Published{Encoding: s.Encoding(), Entries: s.Entries()}, nil
	case "unregister":
		serial, err := required(args, "serialNumber")
		if err != nil {
			return nil, err
		}
		return nil, p.devices.Unregister(ctx, serial)
	case "status":
		serial, err := required(args, "serialNumber")
		if err != nil {
			return nil, err
		}
		status, err := required(args, "status")
		if err != nil {
			return nil, err
		}
		if _, err := strconv.Atoi(status); err != nil {
			return nil, fmt.Errorf("%w: status %q is not numeric", ErrBadRequest, status)
		}
		return nil, p.devices.SetStatus(ctx, serial, status)
	case "message":
		serial, err := required(args, "serialNumber")
		if err != nil {
			return nil, err
		}
		if !args.Has("message") {
			return nil, fmt.Errorf("%w: message is required", ErrBadRequest)
		}
		return nil, p.devices.SetMessage(ctx, serial, args.Get("message"))
	case "list":
		return p.devices.List(ctx)
	case "summary":
		devices, err := p.devices.List(ctx)
		if err != nil {
			return nil, err
		}
		return Summarise(devices), nil
	}
	return nil, fmt.Errorf("%w: unknown command %q", ErrBadRequest, command)
}

// Summarise counts devices per status bucket.
func Summarise(devices []registry.Device) Summary {
	var s Summary
	for _, d := range devices {
		switch d.Status {
		case registry.StatusHealthy, "":
			s.Healthy++
		case registry.StatusSymptomatic:
			s.Symptomatic++
		case registry.StatusConfirmedDiagnosis:
			s.ConfirmedDiagnosis++
		default:
			s.Other++
		}
		s.Total++
	}
	return s
}

func required(args url.Values, name string) (string, error) {
	v := args.Get(name)
	if v == "" {
		return "", fmt.Errorf("%w: %s is required", ErrBadRequest, name)
	}
	return v, nil
}

func (p *Plane) audit(ctx context.Context, user, command string, args url.Values, err error) {
	if p.auditor == nil {
		return
	}
	fields := map[string]string{
		"user":    user,
		"command": command,
		"success": strconv.FormatBool(err == nil),
	}
	if serial := args.Get("serialNumber"); serial != "" {
		fields["serialNumber"] = serial
	}
	if status := args.Get("status"); status != "" {
		fields["status"] = status
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	if aerr := p.auditor.Record(ctx, auditEvent, fields); aerr != nil {
		p.log.Error(ctx, "audit failed", "command", command, "err", aerr)
	}
}

func metricLabel(command string) string {
	for _, c := range Commands {
		if c == command {
			return c
		}
	}
	return "unknown"
}
