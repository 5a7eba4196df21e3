// Package vcircuit provisions and removes the layer-2 virtual circuit that
// carries a session's multicast, by spawning an external provisioning tool.
package vcircuit

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/bsteffensmeier/goldm/internal/ldm7"
)

// DummyCircuitID is the reserved handle returned for dummy endpoints. Any
// endpoint whose switch or port identifier begins with "dummy" makes the
// whole circuit a no-op; this is the seam the test suite runs through when
// no real layer-2 infrastructure exists.
const DummyCircuitID = "dummy_circuitId"

// dummyPrefix triggers the no-op path on endpoints and circuit handles.
const dummyPrefix = "dummy"

// Sentinel errors for the provisioner.
var (
	// ErrEmptyArgument indicates a missing workgroup or endpoint field.
	ErrEmptyArgument = errors.New("empty provisioning argument")

	// ErrProvisionFailed indicates the provisioning tool exited non-zero
	// or produced no circuit identifier.
	ErrProvisionFailed = errors.New("provisioning tool failed")
)

// Provisioner spawns the external provisioning tool. The tool may need to
// open privileged network APIs, so the spawn runs inside an
// elevate/drop-privilege bracket; privilege is dropped immediately after the
// child is started, before it is reaped.
type Provisioner struct {
	interpreter string
	script      string
	logger      *slog.Logger

	// elevate/drop bracket the spawn. Injectable for tests; defaults use
	// the effective-uid swap.
	elevate func() error
	drop    func() error

	// spawn runs the argument vector and returns the first line of the
	// child's standard output. Injectable for tests.
	spawn func(ctx context.Context, argv []string) (string, error)
}

// New creates a Provisioner around the configured interpreter and script.
func New(interpreter, script string, logger *slog.Logger) *Provisioner {
	p := &Provisioner{
		interpreter: interpreter,
		script:      script,
		logger:      logger.With(slog.String("component", "vcircuit")),
		elevate:     func() error { return unix.Seteuid(0) },
		drop:        func() error { return unix.Seteuid(os.Getuid()) },
	}
	p.spawn = p.runTool
	return p
}

// isDummy reports whether either endpoint selects the no-op path.
func isDummy(end1, end2 ldm7.VcEndpoint) bool {
	for _, id := range []string{end1.SwitchID, end1.PortID, end2.SwitchID, end2.PortID} {
		if strings.HasPrefix(id, dummyPrefix) {
			return true
		}
	}
	return false
}

// Provision creates a circuit between end1 and end2 and returns its handle.
//
// The child is invoked as
//
//	interpreter script workgroup end1.switch end1.port end1.vlan
//	                             end2.switch end2.port end2.vlan
//
// and its first line of standard output, trimmed of the trailing newline,
// is the circuit identifier. A non-zero child exit is a system failure.
func (p *Provisioner) Provision(ctx context.Context, workgroup, description string, end1, end2 ldm7.VcEndpoint) (string, error) {
	for _, arg := range []string{workgroup, end1.SwitchID, end1.PortID, end2.SwitchID, end2.PortID} {
		if arg == "" {
			return "", fmt.Errorf("%w: workgroup=%q end1=%s end2=%s",
				ErrEmptyArgument, workgroup, end1, end2)
		}
	}

	if isDummy(end1, end2) {
		p.logger.Debug("dummy endpoint, skipping provisioning tool",
			slog.String("end1", end1.String()),
			slog.String("end2", end2.String()),
		)
		return DummyCircuitID, nil
	}

	argv := []string{
		p.interpreter, p.script, workgroup,
		end1.SwitchID, end1.PortID, strconv.FormatUint(uint64(end1.VlanID), 10),
		end2.SwitchID, end2.PortID, strconv.FormatUint(uint64(end2.VlanID), 10),
	}

	p.logger.Info("provisioning virtual circuit",
		slog.String("description", description),
		slog.String("end1", end1.String()),
		slog.String("end2", end2.String()),
	)

	circuitID, err := p.spawn(ctx, argv)
	if err != nil {
		return "", err
	}
	if circuitID == "" {
		return "", fmt.Errorf("%w: empty circuit identifier", ErrProvisionFailed)
	}
	return circuitID, nil
}

// Remove destroys a previously provisioned circuit. Removing a dummy handle
// is a no-op.
func (p *Provisioner) Remove(ctx context.Context, workgroup, circuitID string) error {
	if workgroup == "" || circuitID == "" {
		return fmt.Errorf("%w: workgroup=%q circuit=%q", ErrEmptyArgument, workgroup, circuitID)
	}
	if strings.HasPrefix(circuitID, dummyPrefix) {
		return nil
	}

	p.logger.Info("removing virtual circuit",
		slog.String("circuit", circuitID),
	)

	if _, err := p.spawn(ctx, []string{p.interpreter, p.script, workgroup, circuitID}); err != nil {
		return err
	}
	return nil
}

// runTool spawns argv inside the privilege bracket, reads one line of the
// child's standard output, and reaps the child.
func (p *Provisioner) runTool(ctx context.Context, argv []string) (string, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}

	if err := p.elevate(); err != nil {
		p.logger.Warn("privilege elevation failed",
			slog.String("error", err.Error()),
		)
	}
	startErr := cmd.Start()
	// Privilege is dropped immediately after the spawn, success or not.
	if err := p.drop(); err != nil {
		p.logger.Warn("privilege drop failed",
			slog.String("error", err.Error()),
		)
	}
	if startErr != nil {
		return "", fmt.Errorf("spawn %s: %w", argv[1], startErr)
	}

	// Removal produces no output; Provision checks for an empty handle.
	br := bufio.NewReader(stdout)
	line, _ := br.ReadString('\n')
	line = strings.TrimRight(line, "\n")
	// Drain so the child never blocks on a full pipe before it is reaped.
	_, _ = io.Copy(io.Discard, br)

	if err := cmd.Wait(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrProvisionFailed, err)
	}
	return line, nil
}
