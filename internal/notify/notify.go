// Package notify delivers operator alerts: every alert is logged, and may
// also be handed to an external error logger program and mailed to the
// system administrators.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/mattjoyce/arcyd/internal/scheduler"
)

// Sendmail types understood by Notifier.
const (
	SendmailTypeSendmail  = "sendmail"
	SendmailTypeCatchmail = "catchmail"
)

// DefaultCommandTimeout bounds each external command.
const DefaultCommandTimeout = 30 * time.Second

// Runner executes name with args, feeding stdin to it.
type Runner func(ctx context.Context, name string, args []string, stdin string) error

// DelayRecorder is told about every notification that precedes a wait.
type DelayRecorder interface {
	RecordDelay(name string, err error, delay scheduler.Delay)
}

// Options configures a Notifier.
type Options struct {
	Logger              *slog.Logger
	ServiceName         string
	SysAdminEmails      []string
	SendmailBinary      string
	SendmailType        string
	ExternalErrorLogger string
	Recorder            DelayRecorder
	Runner              Runner
	Timeout             time.Duration
}

// Notifier sends alerts. The zero value is not usable; use New.
type Notifier struct {
	logger   *slog.Logger
	service  string
	admins   []string
	sendmail string
	mailType string
	external string
	recorder DelayRecorder
	run      Runner
	timeout  time.Duration
}

// New validates opts and returns a Notifier.
func New(opts Options) (*Notifier, error) {
	mailType := opts.SendmailType
	if mailType == "" {
		mailType = SendmailTypeSendmail
	}
	if mailType != SendmailTypeSendmail && mailType != SendmailTypeCatchmail {
		return nil, fmt.Errorf("unknown sendmail type %q", opts.SendmailType)
	}
	binary := opts.SendmailBinary
	if binary == "" {
		binary = "sendmail"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	run := opts.Runner
	if run == nil {
		run = execRunner
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	service := opts.ServiceName
	if service == "" {
		service = "arcyd"
	}
	return &Notifier{
		logger:   logger.With("component", "notify"),
		service:  service,
		admins:   append([]string(nil), opts.SysAdminEmails...),
		sendmail: binary,
		mailType: mailType,
		external: opts.ExternalErrorLogger,
		recorder: opts.Recorder,
		run:      run,
		timeout:  timeout,
	}, nil
}

// Alert logs identifier and details, then forwards them to the external
// error logger and the administrators. Delivery failures are logged and
// otherwise ignored.
func (n *Notifier) Alert(ctx context.Context, identifier, details string) {
	n.logger.Error("alert", "identifier", identifier, "details", details)

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	if n.external != "" {
		if err := n.run(ctx, n.external, []string{identifier, details}, ""); err != nil {
			n.logger.Warn("external error logger failed", "program", n.external, "error", err)
		}
	}
	if len(n.admins) == 0 {
		return
	}
	name, args, msg := n.mail(identifier, details)
	if err := n.run(ctx, name, args, msg); err != nil {
		n.logger.Warn("failed to mail system admins", "binary", name, "error", err)
	}
}

// RepoDelay returns the retry callback for one repository.
func (n *Notifier) RepoDelay(repo string) scheduler.NotifyFunc {
	return func(err error, delay scheduler.Delay) {
		n.record(repo, err, delay)
		n.Alert(context.Background(), "repo:"+repo, describeDelay(err, delay))
	}
}

// ServiceDelay is the callback for failures not owned by a repository:
// cache refreshes and reset handling.
func (n *Notifier) ServiceDelay() scheduler.NotifyFunc {
	return func(err error, delay scheduler.Delay) {
		n.record(n.service, err, delay)
		n.Alert(context.Background(), n.service, describeDelay(err, delay))
	}
}

// Pause is the control-file pause callback.
func (n *Notifier) Pause() {
	delay := scheduler.Delay{UntilFileRemoved: true}
	n.record(n.service, nil, delay)
	n.Alert(context.Background(), n.service, describeDelay(nil, delay))
}

// Stop reports that the service is terminating because of err.
func (n *Notifier) Stop(err error) {
	details := n.service + " will now stop"
	if err != nil {
		details += ": " + err.Error()
	}
	n.Alert(context.Background(), n.service+" stopped with exception", details)
}

func (n *Notifier) record(name string, err error, delay scheduler.Delay) {
	if n.recorder != nil {
		n.recorder.RecordDelay(name, err, delay)
	}
}

func (n *Notifier) mail(identifier, details string) (string, []string, string) {
	subject := fmt.Sprintf("%s: %s", n.service, identifier)
	var b strings.Builder
	fmt.Fprintf(&b, "To: %s\n", strings.Join(n.admins, ", "))
	fmt.Fprintf(&b, "Subject: %s\n\n", subject)
	b.WriteString(details)
	b.WriteString("\n")

	if n.mailType == SendmailTypeCatchmail {
		return n.sendmail, append([]string(nil), n.admins...), b.String()
	}
	return n.sendmail, []string{"-t"}, b.String()
}

func describeDelay(err error, delay scheduler.Delay) string {
	msg := "delay: " + delay.String()
	if err != nil {
		msg += "\nerror: " + err.Error()
	}
	return msg
}

func execRunner(ctx context.Context, name string, args []string, stdin string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
