package agent

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"text/template"

	"github.com/signalsfoundry/constellation-emulator/internal/agentrpc"
)

// Applier enacts a link change on the host, e.g. toggling the interface and
// its netem delay.
type Applier interface {
	Apply(ctx context.Context, req *agentrpc.SetLinkRequest) error
}

// CommandApplier renders a text/template shell command per direction and
// runs it with /bin/sh -c. The template data is the SetLinkRequest, so a
// typical up command is:
//
//	ip link set {{.Interface}} up && tc qdisc replace dev {{.Interface}} root netem delay {{.DelayMs}}ms
//
// An empty template disables that direction.
type CommandApplier struct {
	up    *template.Template
	down  *template.Template
	shell string
}

// NewCommandApplier parses both templates.
func NewCommandApplier(upCmd, downCmd string) (*CommandApplier, error) {
	c := &CommandApplier{shell: "/bin/sh"}
	var err error
	if c.up, err = parseCommand("up", upCmd); err != nil {
		return nil, err
	}
	if c.down, err = parseCommand("down", downCmd); err != nil {
		return nil, err
	}
	return c, nil
}

func parseCommand(name, text string) (*template.Template, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	t, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse %s command: %w", name, err)
	}
	return t, nil
}

// Render returns the command line for req, or "" when its direction has no
// command.
func (c *CommandApplier) Render(req *agentrpc.SetLinkRequest) (string, error) {
	t := c.down
	if req.Up {
		t = c.up
	}
	if t == nil {
		return "", nil
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, req); err != nil {
		return "", fmt.Errorf("render %s command: %w", t.Name(), err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// Apply implements Applier.
func (c *CommandApplier) Apply(ctx context.Context, req *agentrpc.SetLinkRequest) error {
	line, err := c.Render(req)
	if err != nil || line == "" {
		return err
	}
	out, err := exec.CommandContext(ctx, c.shell, "-c", line).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%q: %w: %s", line, err, strings.TrimSpace(string(out)))
	}
	return nil
}
