package backend

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const virtualBanner = "gamgui virtual backend: no execution substrate is available.\r\n" +
	"Commands are simulated and do not reach Google Workspace.\r\n"

// VirtualBackend is the always-available fallback. It provisions instantly,
// simulates a small set of gam subcommands and answers everything else with
// a degraded-mode notice. Sessions bound here are marked Degraded by the
// session layer.
type VirtualBackend struct{}

func (VirtualBackend) Name() string { return "virtual" }
func (VirtualBackend) Kind() Kind { return KindVirtual }

func (VirtualBackend) Initialize(_ context.Context) error { return nil }
func (VirtualBackend) Available(_ context.Context) bool { return true }

func (v VirtualBackend) Provision(_ context.Context, spec ProvisionSpec) (*Binding, error) {
	return &Binding{
		SessionID: spec.SessionID,
		Kind:      KindVirtual,
		Driver:    v.Name(),
		Handle:    podName(spec.SessionID),
	}, nil
}

// simulate interprets the degraded-mode grammar and returns the terminal
// output and exit code for one command.
func simulate(argv []string) (string, int) {
	switch strings.ToLower(argv[0]) {
	case "echo":
		return strings.Join(argv[1:], " ") + "\r\n", 0
	case "pwd":
		return "/home/gam\r\n", 0
	case "date":
		return time.Now().UTC().Format(time.UnixDate) + "\r\n", 0
	case "help":
		return "Simulated commands: echo, pwd, date, help, version, info, gam version, gam info\r\n" + virtualBanner, 0
	case "version":
		return "gamgui virtual shell\r\n", 0
	case "gam":
		return simulateGam(argv)
	case "info":
		// Bare gam subcommand form, as submitted by terminal clients.
		return simulateGam(append([]string{"gam"}, argv...))
	default:
		return fmt.Sprintf("%s: command not available in degraded mode\r\n%s", argv[0], virtualBanner), 127
	}
}

func simulateGam(argv []string) (string, int) {
	sub := ""
	if len(argv) > 1 {
		sub = strings.ToLower(argv[1])
	}

	switch sub {
	case "version":
		return "GAM (virtual) | gamgui degraded mode\r\n", 0
	case "help", "":
		return "Simulated commands: gam version, gam help, gam info domain\r\n" + virtualBanner, 0
	case "info":
		target := "domain"
		if len(argv) > 2 {
			target = strings.Join(argv[2:], " ")
		}
		return fmt.Sprintf("Simulated info for %s (no live data)\r\n%s", target, virtualBanner), 0
	default:
		return fmt.Sprintf("gam: command %q is not available in degraded mode\r\n%s", sub, virtualBanner), 127
	}
}

func (VirtualBackend) Exec(ctx context.Context, _ *Binding, command string) (*Exec, error) {
	if err := ValidateCommand(command); err != nil {
		return nil, err
	}
	argv := strings.Fields(command)

	text, code := simulate(argv)

	execCtx, cancel := context.WithCancel(ctx)
	out := make(chan []byte, 4)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer close(out)

		// Emit output line by line with a small delay so the terminal
		// behaves like a streaming session rather than a blob.
		for _, line := range strings.SplitAfter(text, "\r\n") {
			if line == "" {
				continue
			}
			select {
			case out <- []byte(line):
			case <-execCtx.Done():
				return
			}
			select {
			case <-time.After(10 * time.Millisecond):
			case <-execCtx.Done():
				return
			}
		}
	}()

	return &Exec{
		Output: out,
		Cancel: cancel,
		Wait: func() (int, error) {
			<-done
			if execCtx.Err() != nil {
				return code, execCtx.Err()
			}
			return code, nil
		},
	}, nil
}

func (VirtualBackend) Resize(_ context.Context, _ *Binding, _, _ uint16) error { return nil }

func (VirtualBackend) Teardown(_ context.Context, _ *Binding) error { return nil }

func (VirtualBackend) HealthCheck(_ context.Context, _ *Binding) Health { return Healthy }

var _ Backend = VirtualBackend{}
