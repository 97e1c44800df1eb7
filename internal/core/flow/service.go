package flow

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/digitalocean/go-openvswitch/ovs"

	"sdnlab/internal/channel"
	"sdnlab/internal/errdefs"
	"sdnlab/internal/topology"
	"sdnlab/internal/utils"
)

func NewFlowService() *FlowService {
	return &FlowService{
		locks: utils.NewKeyedMutex(),
	}
}

// FlowService manages drop flows on switches. It keeps no flow state of its
// own; every read goes to the switch.
type FlowService struct {
	locks *utils.KeyedMutex
}

// switchCall records the last ovs-ofctl invocation the ovs client made.
type switchCall struct {
	args []string
	res  channel.Result
	err  error
}

func (c *switchCall) failure(sw string, cause error) error {
	if c.args == nil {
		return errdefs.CommandFailure(errdefs.ErrSwitchCommandFailed, sw, "ovs-ofctl", "", "", -1, cause)
	}
	command := "ovs-ofctl " + strings.Join(channel.PinOpenFlow(c.args), " ")
	if c.err != nil {
		return errdefs.CommandFailure(errdefs.ErrSwitchCommandFailed, sw, command, c.res.Stdout, c.res.Stderr, -1, c.err)
	}
	return errdefs.CommandFailure(errdefs.ErrSwitchCommandFailed, sw, command, c.res.Stdout, c.res.Stderr, c.res.ExitCode, nil)
}

// client returns a go-openvswitch client whose ovs-ofctl calls go through
// the switch channel of sw.
func client(ctx context.Context, ch channel.SwitchChannel, sw string, call *switchCall) *ovs.Client {
	return ovs.New(
		ovs.Protocols([]string{ovs.ProtocolOpenFlow13}),
		ovs.Exec(func(cmd string, args ...string) ([]byte, error) {
			call.args = args
			call.res, call.err = ch.ExecuteSwitch(ctx, sw, args)
			if call.err != nil {
				return nil, call.err
			}
			if !call.res.Ok() {
				return []byte(call.res.Stderr), fmt.Errorf("%s exited with status %d", cmd, call.res.ExitCode)
			}
			return []byte(call.res.Stdout), nil
		}),
	)
}

func lockKey(net Network, sw string) string {
	return net.Id() + "/" + sw
}

// AddBlockFlow installs a drop flow for match on sw. An empty label is
// replaced by a generated one.
func (s *FlowService) AddBlockFlow(ctx context.Context, net Network, sw string, priority int, match Match, label string) (FlowRule, error) {
	// 1. validate
	if priority < MinPriority || priority > MaxPriority {
		return FlowRule{}, errdefs.Validation(errdefs.ErrInvalidRuleSpec, "priority", fmt.Sprint(priority), "expected 0-65535")
	}
	m, err := match.Normalize()
	if err != nil {
		return FlowRule{}, err
	}
	if _, err := net.Switch(sw); err != nil {
		return FlowRule{}, err
	}
	if label == "" {
		if label, err = utils.GenerateRandName(); err != nil {
			return FlowRule{}, fmt.Errorf("generate label: %w", err)
		}
	}

	// 2. build
	f := ovsFlow(priority, m)
	text, err := f.MarshalText()
	if err != nil {
		return FlowRule{}, errdefs.Validation(errdefs.ErrInvalidRuleSpec, "flow", label, err.Error())
	}

	// 3. install
	unlock := s.locks.Lock(lockKey(net, sw))
	defer unlock()

	var call switchCall
	if err := client(ctx, net.SwitchChannel(), sw, &call).OpenFlow.AddFlow(sw, f); err != nil {
		return FlowRule{}, call.failure(sw, err)
	}

	rule := FlowRule{
		Label:     label,
		Switch:    sw,
		Priority:  priority,
		Match:     m,
		Flow:      string(text),
		CreatedAt: time.Now(),
	}
	log.Printf("[*] switch %s: flow %s installed: %s", sw, label, text)
	return rule, nil
}

// ListFlows returns the raw dump-flows output of sw.
func (s *FlowService) ListFlows(ctx context.Context, net Network, sw string) (string, error) {
	if _, err := net.Switch(sw); err != nil {
		return "", err
	}
	call := switchCall{args: []string{"dump-flows", sw}}
	call.res, call.err = net.SwitchChannel().ExecuteSwitch(ctx, sw, call.args)
	if call.err != nil || !call.res.Ok() {
		return "", call.failure(sw, call.err)
	}
	return call.res.Stdout, nil
}

func (s *FlowService) InstalledFlows(ctx context.Context, net Network, sw string) ([]InstalledFlow, error) {
	dump, err := s.ListFlows(ctx, net, sw)
	if err != nil {
		return nil, err
	}
	return ParseFlowTable(dump)
}

// RemoveAllFlows deletes every flow of sw unconditionally. Callers gate it
// behind Confirmed.
func (s *FlowService) RemoveAllFlows(ctx context.Context, net Network, sw string) error {
	if _, err := net.Switch(sw); err != nil {
		return err
	}

	unlock := s.locks.Lock(lockKey(net, sw))
	defer unlock()

	var call switchCall
	if err := client(ctx, net.SwitchChannel(), sw, &call).OpenFlow.DelFlows(sw, nil); err != nil {
		return call.failure(sw, err)
	}
	log.Printf("[*] switch %s: all flows removed", sw)
	return nil
}

var _ Network = (*topology.Network)(nil)
