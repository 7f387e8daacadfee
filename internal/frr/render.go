package frr

import (
	"bytes"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"text/template"

	"github.com/signalsfoundry/constellation-emulator/model"
)

var frrTemplate = template.Must(template.New("frr.conf").Parse(`hostname {{.Name}}
frr defaults datacenter
log syslog informational
ip forwarding
no ipv6 forwarding
service integrated-vtysh-config
!
interface lo
 ip address {{.RouterID}}/32
exit
!
{{- range .Interfaces}}
interface {{.Name}}
 description to {{.Peer}}
 ip address {{.Address}}
 ip ospf network point-to-point
exit
!
{{- end}}
router ospf
 ospf router-id {{.RouterID}}
 redistribute static
 network {{.RouterID}}/32 area {{.Area}}
{{- range .Interfaces}}
 network {{.Subnet}} area {{$.Area}}
{{- end}}
{{- if .Surface}}
 area 0.0.0.0 virtual-link 0.0.0.1
 distribute-list SATELLITE_ONLY out
{{- end}}
exit
!
{{- if .Surface}}
ip prefix-list SATELLITE_ONLY permit {{.LoopbackRange}} le 32
!
{{- end}}
`))

const daemonsConf = `ospfd=yes
vtysh_enable=yes
zebra_options="  -A 127.0.0.1 -s 90000000"
mgmtd_options="  -A 127.0.0.1"
ospfd_options="  -A 127.0.0.1"
`

type renderInterface struct {
	Name    string
	Peer    model.NodeID
	Address netip.Prefix
	Subnet  netip.Prefix
}

type renderNode struct {
	Name          model.NodeID
	RouterID      netip.Addr
	Area          Area
	Surface       bool
	LoopbackRange netip.Prefix
	Interfaces    []renderInterface
}

// Renderer produces per-node FRR configuration from a Plan.
type Renderer struct {
	plan          *Plan
	loopbackRange netip.Prefix
}

// NewRenderer renders configs for plan. loopbackRange is the prefix surface
// nodes are allowed to advertise routes for.
func NewRenderer(plan *Plan, loopbackRange netip.Prefix) *Renderer {
	return &Renderer{plan: plan, loopbackRange: loopbackRange.Masked()}
}

// Config renders frr.conf for node.
func (r *Renderer) Config(node model.Node) (string, error) {
	routerID, ok := r.plan.Loopback(node.ID)
	if !ok {
		return "", fmt.Errorf("node %s is not in the address plan", node.ID)
	}
	data := renderNode{
		Name:          node.ID,
		RouterID:      routerID,
		Area:          r.plan.Area(node.ID),
		Surface:       node.Kind.Surface(),
		LoopbackRange: r.loopbackRange,
	}
	for _, la := range r.plan.LinksOf(node.ID) {
		peer := la.Pair.Other(node.ID)
		addr := la.A
		if la.Pair.B == node.ID {
			addr = la.B
		}
		data.Interfaces = append(data.Interfaces, renderInterface{
			Name:    InterfaceName(node.ID, peer),
			Peer:    peer,
			Address: addr,
			Subnet:  la.Subnet,
		})
	}

	var buf bytes.Buffer
	if err := frrTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render frr.conf for %s: %w", node.ID, err)
	}
	return buf.String(), nil
}

// Daemons returns the FRR daemons file shared by every node.
func (r *Renderer) Daemons() string { return daemonsConf }

// VtyshConfig returns vtysh.conf for node.
func (r *Renderer) VtyshConfig(node model.Node) string {
	return fmt.Sprintf("service integrated-vtysh-config\nhostname %s\n", node.ID)
}

// WriteAll writes frr.conf, daemons and vtysh.conf for every planned node
// under dir/<node>/. It returns the number of nodes written.
func (r *Renderer) WriteAll(dir string) (int, error) {
	written := 0
	for _, node := range r.plan.Nodes() {
		conf, err := r.Config(node)
		if err != nil {
			return written, err
		}
		nodeDir := filepath.Join(dir, string(node.ID))
		if err := os.MkdirAll(nodeDir, 0o755); err != nil {
			return written, fmt.Errorf("create %s: %w", nodeDir, err)
		}
		files := map[string]string{
			"frr.conf":   conf,
			"daemons":    r.Daemons(),
			"vtysh.conf": r.VtyshConfig(node),
		}
		for name, body := range files {
			if err := os.WriteFile(filepath.Join(nodeDir, name), []byte(body), 0o644); err != nil {
				return written, fmt.Errorf("write %s/%s: %w", node.ID, name, err)
			}
		}
		written++
	}
	return written, nil
}
