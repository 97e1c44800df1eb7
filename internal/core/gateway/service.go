package gateway

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"slices"
	"sync"
	"time"

	"sdnlab/internal/channel"
	"sdnlab/internal/core/packet"
	"sdnlab/internal/errdefs"
	"sdnlab/internal/topology"
	"sdnlab/internal/utils"
)

func NewGatewayService() *GatewayService {
	return &GatewayService{
		locks:  utils.NewKeyedMutex(),
		states: map[string]*gatewayState{},
		newIptablesHandler: func(ch channel.NodeChannel, node string) IptablesHandler {
			return NewIptablesManager(ch, node)
		},
	}
}

// gatewayState is what this process knows about one gateway's tables.
type gatewayState struct {
	internal string
	external string
	rules    []UserRule
}

type GatewayService struct {
	locks *utils.KeyedMutex

	mu     sync.Mutex
	states map[string]*gatewayState

	newIptablesHandler func(ch channel.NodeChannel, node string) IptablesHandler
}

var chainPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,28}$`)

func stateKey(net Network, gw string) string {
	return net.Id() + "/" + gw
}

func (s *GatewayService) state(net Network, gw string) (*gatewayState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[stateKey(net, gw)]
	return st, ok
}

func (s *GatewayService) setState(net Network, gw string, st *gatewayState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[stateKey(net, gw)] = st
}

// PrepareGateway brings both interfaces up and enables forwarding and
// martian logging.
func (s *GatewayService) PrepareGateway(ctx context.Context, net Network, gw string) error {
	node, err := net.Gateway(gw)
	if err != nil {
		return err
	}
	unlock := s.locks.Lock(stateKey(net, gw))
	defer unlock()

	var commands []string
	for _, i := range node.Interfaces {
		commands = append(commands, channel.Shell("ip", "link", "set", i.Name, "up"))
	}
	commands = append(commands,
		channel.Shell("sysctl", "-w", "net.ipv4.ip_forward=1"),
		channel.Shell("sysctl", "-w", "net.ipv4.conf.all.log_martians=1"),
	)

	for _, cmd := range commands {
		res, err := net.NodeChannel().Execute(ctx, gw, cmd)
		if err != nil {
			return errdefs.CommandFailure(errdefs.ErrGatewayUnreachable, gw, cmd, res.Stdout, res.Stderr, -1, err)
		}
		if !res.Ok() {
			return errdefs.CommandFailure(errdefs.ErrCommandFailed, gw, cmd, res.Stdout, res.Stderr, res.ExitCode, nil)
		}
	}
	log.Printf("[*] gateway %s prepared", gw)
	return nil
}

// ResetBaseline flushes every nat and filter rule and custom chain of gw
// and installs the baseline for the given interfaces. It does not roll
// back on failure; running it again converges.
func (s *GatewayService) ResetBaseline(ctx context.Context, net Network, gw, internalIf, externalIf string) error {
	node, err := net.Gateway(gw)
	if err != nil {
		return err
	}
	for _, name := range []string{internalIf, externalIf} {
		if _, ok := node.Interface(name); !ok {
			return errdefs.NotFound(errdefs.ErrUnknownEndpoint, "interface", gw+":"+name)
		}
	}
	if internalIf == externalIf {
		return errdefs.Validation(errdefs.ErrInvalidParameter, "external", externalIf, "internal and external interface must differ")
	}

	unlock := s.locks.Lock(stateKey(net, gw))
	defer unlock()
	return s.resetBaseline(ctx, net, gw, internalIf, externalIf)
}

// Reset applies the baseline using the interface roles of the topology.
func (s *GatewayService) Reset(ctx context.Context, net Network, gw string) error {
	internal, external, err := net.GatewayInterfaces(gw)
	if err != nil {
		return err
	}
	return s.ResetBaseline(ctx, net, gw, internal.Name, external.Name)
}

func (s *GatewayService) resetBaseline(ctx context.Context, net Network, gw, internalIf, externalIf string) error {
	h := s.newIptablesHandler(net.NodeChannel(), gw)
	rs := Baseline(internalIf, externalIf)

	// 1. flush everything
	for _, table := range []string{TableNat, TableFilter} {
		if err := h.FlushChain(ctx, table, ""); err != nil {
			return err
		}
		if err := h.DeleteChain(ctx, table, ""); err != nil {
			return err
		}
	}

	// 2. default policies
	for _, chain := range []string{ChainInput, ChainForward, ChainOutput} {
		if err := h.SetPolicy(ctx, TableFilter, chain, rs.Policies[chain]); err != nil {
			return err
		}
	}

	// 3. log then masquerade on egress
	for _, r := range rs.Nat {
		if err := h.AppendRule(ctx, r); err != nil {
			return err
		}
	}

	// 4. custom chains
	for _, chain := range rs.Chains {
		if err := h.CreateChain(ctx, TableFilter, chain); err != nil {
			return err
		}
	}

	// 5. chain contents, FORWARD last so every jump target is populated
	for _, chain := range []string{ChainLogDrop, ChainLogging, ChainForward} {
		for _, r := range rs.Rules[chain] {
			if err := h.AppendRule(ctx, r); err != nil {
				return err
			}
		}
	}

	s.setState(net, gw, &gatewayState{internal: internalIf, external: externalIf})
	log.Printf("[*] gateway %s baseline applied (internal=%s external=%s)", gw, internalIf, externalIf)
	return nil
}

// ensureBaseline applies the baseline when this process has not done so
// for gw yet. The caller holds the gateway lock.
func (s *GatewayService) ensureBaseline(ctx context.Context, net Network, gw string) (*gatewayState, error) {
	if st, ok := s.state(net, gw); ok {
		return st, nil
	}
	internal, external, err := net.GatewayInterfaces(gw)
	if err != nil {
		return nil, err
	}
	if err := s.resetBaseline(ctx, net, gw, internal.Name, external.Name); err != nil {
		return nil, err
	}
	st, _ := s.state(net, gw)
	return st, nil
}

// AddRule validates spec and appends one drop rule to FW-USER.
func (s *GatewayService) AddRule(ctx context.Context, net Network, gw string, spec RuleSpec) (UserRule, error) {
	rule, normalized, err := ruleFor(spec)
	if err != nil {
		return UserRule{}, err
	}
	if _, err := net.Gateway(gw); err != nil {
		return UserRule{}, err
	}

	unlock := s.locks.Lock(stateKey(net, gw))
	defer unlock()

	st, err := s.ensureBaseline(ctx, net, gw)
	if err != nil {
		return UserRule{}, err
	}

	h := s.newIptablesHandler(net.NodeChannel(), gw)
	exists, err := h.RuleExists(ctx, rule)
	if err != nil {
		return UserRule{}, err
	}
	if exists {
		return UserRule{}, errdefs.Conflict(errdefs.ErrDuplicateIdentity, rule.String(), "rule already present in "+ChainUser)
	}
	if err := h.AppendRule(ctx, rule); err != nil {
		return UserRule{}, err
	}

	u := UserRule{
		Id:        utils.NewUlid(),
		Spec:      normalized,
		Rule:      rule,
		Command:   rule.Command(),
		CreatedAt: time.Now(),
	}
	s.mu.Lock()
	st.rules = append(st.rules, u)
	s.mu.Unlock()

	log.Printf("[*] gateway %s: rule %s added: %s", gw, u.Id, rule)
	return u, nil
}

// ClearUserRules flushes FW-USER. When the chain is gone or FORWARD lost
// its jump to it, the full baseline is applied instead.
func (s *GatewayService) ClearUserRules(ctx context.Context, net Network, gw string) error {
	if _, err := net.Gateway(gw); err != nil {
		return err
	}

	unlock := s.locks.Lock(stateKey(net, gw))
	defer unlock()

	st, ok := s.state(net, gw)
	if !ok {
		_, err := s.ensureBaseline(ctx, net, gw)
		return err
	}

	h := s.newIptablesHandler(net.NodeChannel(), gw)
	exists, err := h.ChainExists(ctx, TableFilter, ChainUser)
	if err != nil {
		return err
	}
	jump := Rule{Table: TableFilter, Chain: ChainForward, Target: ChainUser}
	if exists {
		exists, err = h.RuleExists(ctx, jump)
		if err != nil {
			return err
		}
	}
	if !exists {
		log.Printf("[*] gateway %s: %s missing or unreferenced, re-applying baseline", gw, ChainUser)
		return s.resetBaseline(ctx, net, gw, st.internal, st.external)
	}

	if err := h.FlushChain(ctx, TableFilter, ChainUser); err != nil {
		return err
	}
	s.mu.Lock()
	st.rules = nil
	s.mu.Unlock()
	return nil
}

// ShowRules returns the current listing of chain. An empty chain lists the
// whole filter table followed by the nat table.
func (s *GatewayService) ShowRules(ctx context.Context, net Network, gw, chain string, verbose bool) (string, error) {
	if chain != "" && !chainPattern.MatchString(chain) {
		return "", errdefs.Validation(errdefs.ErrInvalidParameter, "chain", chain, "invalid chain name")
	}
	if _, err := net.Gateway(gw); err != nil {
		return "", err
	}

	h := s.newIptablesHandler(net.NodeChannel(), gw)
	if chain != "" {
		table := TableFilter
		if chain == ChainPostrouting || chain == "PREROUTING" {
			table = TableNat
		}
		return h.ListRules(ctx, table, chain, verbose)
	}

	filter, err := h.ListRules(ctx, TableFilter, "", verbose)
	if err != nil {
		return "", err
	}
	nat, err := h.ListRules(ctx, TableNat, "", verbose)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("# filter\n%s\n# nat\n%s", filter, nat), nil
}

func (s *GatewayService) UserRules(net Network, gw string) []UserRule {
	st, ok := s.state(net, gw)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(st.rules)
}

// Trace evaluates p against the rule set this process installed on gw, or
// against a fresh baseline when none was applied yet.
func (s *GatewayService) Trace(net Network, gw string, p packet.Packet) (TraceResult, error) {
	internal, external, err := net.GatewayInterfaces(gw)
	if err != nil {
		return TraceResult{}, err
	}
	rs := Baseline(internal.Name, external.Name)
	if st, ok := s.state(net, gw); ok {
		rs = Baseline(st.internal, st.external).WithUserRules(s.UserRules(net, gw))
	}
	return rs.Trace(p), nil
}

var _ Network = (*topology.Network)(nil)
