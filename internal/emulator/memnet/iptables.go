package memnet

import (
	"fmt"
	"net/netip"
	"slices"
	"strconv"
	"strings"

	"sdnlab/internal/channel"
)

const iptablesVersion = "iptables v1.8.9 (legacy)"

var builtinChains = map[string][]string{
	"filter": {"INPUT", "FORWARD", "OUTPUT"},
	"nat":    {"PREROUTING", "INPUT", "OUTPUT", "POSTROUTING"},
}

var builtinTargets = []string{"ACCEPT", "DROP", "RETURN", "REJECT", "LOG", "MASQUERADE", "SNAT", "DNAT", "NFLOG"}

var targetOptions = []string{
	"--log-prefix", "--log-level", "--log-tcp-sequence", "--log-tcp-options", "--log-ip-options", "--log-uid",
	"--reject-with", "--to-ports", "--to-source", "--to-destination", "--nflog-group", "--nflog-prefix",
}

type ipRule struct {
	src, dst, in, out, proto []string
	matches                  []string
	target                   string
	targetOpts               []string
}

func (r ipRule) args() []string {
	args := slices.Concat(r.src, r.dst, r.in, r.out, r.proto, r.matches)
	if r.target != "" {
		args = append(args, "-j", r.target)
		args = append(args, r.targetOpts...)
	}
	return args
}

// String renders the rule the way "iptables -S" does.
func (r ipRule) String() string {
	args := r.args()
	out := make([]string, len(args))
	for i, a := range args {
		if strings.ContainsAny(a, " \t") || a == "" {
			a = strconv.Quote(a)
		}
		out[i] = a
	}
	return strings.Join(out, " ")
}

type ipChain struct {
	name    string
	builtin bool
	policy  string
	rules   []ipRule
}

type ipTable struct {
	chains map[string]*ipChain
}

type iptables struct {
	tables map[string]*ipTable
}

func newIptables() *iptables {
	t := &iptables{tables: map[string]*ipTable{}}
	for name, builtins := range builtinChains {
		tbl := &ipTable{chains: map[string]*ipChain{}}
		for _, c := range builtins {
			tbl.chains[c] = &ipChain{name: c, builtin: true, policy: "ACCEPT"}
		}
		t.tables[name] = tbl
	}
	return t
}

func usageError(format string, a ...any) channel.Result {
	return channel.Result{Stderr: iptablesVersion + ": " + fmt.Sprintf(format, a...) + "\nTry `iptables -h' or 'iptables --help' for more information.\n", ExitCode: 2}
}

func kernelError(msg string) channel.Result {
	return channel.Result{Stderr: "iptables: " + msg + "\n", ExitCode: 1}
}

const errNoChain = "No chain/target/match by that name."

type listFlags struct {
	verbose     bool
	lineNumbers bool
}

func (t *iptables) run(args []string) channel.Result {
	table := "filter"
	var flags listFlags
	var rest []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-t", "--table":
			if i+1 >= len(args) {
				return usageError("option \"-t\" requires an argument")
			}
			table = args[i+1]
			i++
		case "-w", "--wait":
			if i+1 < len(args) {
				if _, err := strconv.Atoi(args[i+1]); err == nil {
					i++
				}
			}
		case "-v", "--verbose":
			flags.verbose = true
		case "-n", "--numeric":
		case "--line-numbers":
			flags.lineNumbers = true
		default:
			rest = append(rest, args[i])
		}
	}

	tbl, ok := t.tables[table]
	if !ok {
		return channel.Result{
			Stderr:   fmt.Sprintf("%s: can't initialize iptables table `%s': Table does not exist (do you need to insmod?)\nPerhaps iptables or your kernel needs to be upgraded.\n", iptablesVersion, table),
			ExitCode: 3,
		}
	}
	if len(rest) == 0 {
		return usageError("no command specified")
	}

	op, operands := rest[0], rest[1:]
	switch op {
	case "-A", "--append":
		return tbl.appendRule(operands)
	case "-I", "--insert":
		return tbl.insertRule(operands)
	case "-D", "--delete":
		return tbl.deleteRule(operands)
	case "-C", "--check":
		return tbl.checkRule(operands)
	case "-F", "--flush":
		return tbl.flush(operands)
	case "-X", "--delete-chain":
		return tbl.deleteChain(operands)
	case "-N", "--new-chain":
		return tbl.newChain(operands)
	case "-P", "--policy":
		return tbl.setPolicy(operands)
	case "-S", "--list-rules":
		return tbl.listRules(table, operands)
	case "-L", "--list":
		return tbl.list(table, operands, flags)
	default:
		return usageError("unknown option \"%s\"", op)
	}
}

func (tbl *ipTable) chainAndRule(operands []string) (*ipChain, ipRule, *channel.Result) {
	if len(operands) == 0 {
		r := usageError("option requires a chain name")
		return nil, ipRule{}, &r
	}
	c, ok := tbl.chains[operands[0]]
	if !ok {
		r := kernelError(errNoChain)
		return nil, ipRule{}, &r
	}
	rule, res := tbl.parseRule(operands[1:])
	if res != nil {
		return nil, ipRule{}, res
	}
	return c, rule, nil
}

func (tbl *ipTable) appendRule(operands []string) channel.Result {
	c, rule, res := tbl.chainAndRule(operands)
	if res != nil {
		return *res
	}
	c.rules = append(c.rules, rule)
	return channel.Result{}
}

func (tbl *ipTable) insertRule(operands []string) channel.Result {
	pos := 1
	if len(operands) > 1 {
		if n, err := strconv.Atoi(operands[1]); err == nil {
			pos = n
			operands = slices.Delete(slices.Clone(operands), 1, 2)
		}
	}
	c, rule, res := tbl.chainAndRule(operands)
	if res != nil {
		return *res
	}
	if pos < 1 || pos > len(c.rules)+1 {
		return kernelError("Index of insertion too big.")
	}
	c.rules = slices.Insert(c.rules, pos-1, rule)
	return channel.Result{}
}

func (tbl *ipTable) deleteRule(operands []string) channel.Result {
	if len(operands) == 2 {
		if n, err := strconv.Atoi(operands[1]); err == nil {
			c, ok := tbl.chains[operands[0]]
			if !ok {
				return kernelError(errNoChain)
			}
			if n < 1 || n > len(c.rules) {
				return kernelError("Index of deletion too big.")
			}
			c.rules = slices.Delete(c.rules, n-1, n)
			return channel.Result{}
		}
	}
	c, rule, res := tbl.chainAndRule(operands)
	if res != nil {
		return *res
	}
	idx := c.find(rule)
	if idx < 0 {
		return kernelError("Bad rule (does a matching rule exist in that chain?).")
	}
	c.rules = slices.Delete(c.rules, idx, idx+1)
	return channel.Result{}
}

func (tbl *ipTable) checkRule(operands []string) channel.Result {
	c, rule, res := tbl.chainAndRule(operands)
	if res != nil {
		return *res
	}
	if c.find(rule) < 0 {
		return kernelError("Bad rule (does a matching rule exist in that chain?).")
	}
	return channel.Result{}
}

func (c *ipChain) find(rule ipRule) int {
	want := rule.String()
	for i, r := range c.rules {
		if r.String() == want {
			return i
		}
	}
	return -1
}

func (tbl *ipTable) flush(operands []string) channel.Result {
	if len(operands) == 0 {
		for _, c := range tbl.chains {
			c.rules = nil
		}
		return channel.Result{}
	}
	c, ok := tbl.chains[operands[0]]
	if !ok {
		return kernelError(errNoChain)
	}
	c.rules = nil
	return channel.Result{}
}

func (tbl *ipTable) references(chain string) int {
	refs := 0
	for _, c := range tbl.chains {
		for _, r := range c.rules {
			if r.target == chain {
				refs++
			}
		}
	}
	return refs
}

func (tbl *ipTable) deleteChain(operands []string) channel.Result {
	var names []string
	if len(operands) == 0 {
		for name, c := range tbl.chains {
			if !c.builtin {
				names = append(names, name)
			}
		}
		slices.Sort(names)
	} else {
		c, ok := tbl.chains[operands[0]]
		if !ok {
			return kernelError(errNoChain)
		}
		if c.builtin {
			return kernelError("Invalid argument. Run `dmesg' for more information.")
		}
		names = []string{operands[0]}
	}

	for _, name := range names {
		if tbl.references(name) > 0 {
			return kernelError("Too many links.")
		}
		if len(tbl.chains[name].rules) > 0 {
			return kernelError("Directory not empty.")
		}
	}
	for _, name := range names {
		delete(tbl.chains, name)
	}
	return channel.Result{}
}

func (tbl *ipTable) newChain(operands []string) channel.Result {
	if len(operands) != 1 {
		return usageError("-N requires exactly one chain name")
	}
	name := operands[0]
	if name == "" || strings.HasPrefix(name, "-") || len(name) > 28 {
		return usageError("Invalid chain name `%s'", name)
	}
	if _, ok := tbl.chains[name]; ok {
		return kernelError("Chain already exists.")
	}
	tbl.chains[name] = &ipChain{name: name}
	return channel.Result{}
}

func (tbl *ipTable) setPolicy(operands []string) channel.Result {
	if len(operands) != 2 {
		return usageError("-P requires a chain and a policy")
	}
	c, ok := tbl.chains[operands[0]]
	if !ok || !c.builtin {
		return kernelError("Bad built-in chain name.")
	}
	if operands[1] != "ACCEPT" && operands[1] != "DROP" {
		return kernelError("Bad policy name. Run `dmesg' for more information.")
	}
	c.policy = operands[1]
	return channel.Result{}
}

// ordered returns builtins in kernel order followed by user chains by name.
func (tbl *ipTable) ordered(table string) []*ipChain {
	var chains []*ipChain
	for _, name := range builtinChains[table] {
		chains = append(chains, tbl.chains[name])
	}
	var user []string
	for name, c := range tbl.chains {
		if !c.builtin {
			user = append(user, name)
		}
	}
	slices.Sort(user)
	for _, name := range user {
		chains = append(chains, tbl.chains[name])
	}
	return chains
}

func (tbl *ipTable) selected(table string, operands []string) ([]*ipChain, *channel.Result) {
	if len(operands) == 0 {
		return tbl.ordered(table), nil
	}
	c, ok := tbl.chains[operands[0]]
	if !ok {
		r := kernelError(errNoChain)
		return nil, &r
	}
	return []*ipChain{c}, nil
}

func (tbl *ipTable) listRules(table string, operands []string) channel.Result {
	chains, res := tbl.selected(table, operands)
	if res != nil {
		return *res
	}

	var b strings.Builder
	for _, c := range chains {
		if c.builtin {
			fmt.Fprintf(&b, "-P %s %s\n", c.name, c.policy)
		} else {
			fmt.Fprintf(&b, "-N %s\n", c.name)
		}
	}
	for _, c := range chains {
		for _, r := range c.rules {
			if s := r.String(); s != "" {
				fmt.Fprintf(&b, "-A %s %s\n", c.name, s)
			} else {
				fmt.Fprintf(&b, "-A %s\n", c.name)
			}
		}
	}
	return channel.Result{Stdout: b.String()}
}

func (tbl *ipTable) list(table string, operands []string, flags listFlags) channel.Result {
	chains, res := tbl.selected(table, operands)
	if res != nil {
		return *res
	}

	var b strings.Builder
	for i, c := range chains {
		if i > 0 {
			b.WriteString("\n")
		}
		switch {
		case c.builtin && flags.verbose:
			fmt.Fprintf(&b, "Chain %s (policy %s 0 packets, 0 bytes)\n", c.name, c.policy)
		case c.builtin:
			fmt.Fprintf(&b, "Chain %s (policy %s)\n", c.name, c.policy)
		default:
			fmt.Fprintf(&b, "Chain %s (%d references)\n", c.name, tbl.references(c.name))
		}

		if flags.lineNumbers {
			b.WriteString("num   ")
		}
		if flags.verbose {
			b.WriteString(" pkts bytes target     prot opt in     out     source               destination\n")
		} else {
			b.WriteString("target     prot opt source               destination\n")
		}

		for n, r := range c.rules {
			if flags.lineNumbers {
				fmt.Fprintf(&b, "%-5d ", n+1)
			}
			v := r.view()
			if flags.verbose {
				fmt.Fprintf(&b, "%5d %5d %-10s %-4s %-3s %-6s %-6s %-20s %-20s %s\n", 0, 0, v.target, v.prot, "--", v.in, v.out, v.src, v.dst, v.extra)
			} else {
				fmt.Fprintf(&b, "%-10s %-4s %-3s %-20s %-20s %s\n", v.target, v.prot, "--", v.src, v.dst, v.extra)
			}
		}
	}
	return channel.Result{Stdout: b.String()}
}

type ruleView struct {
	target, prot, in, out, src, dst, extra string
}

func (r ipRule) view() ruleView {
	col := func(tokens []string, def string) string {
		if len(tokens) == 0 {
			return def
		}
		v := tokens[len(tokens)-1]
		if tokens[0] == "!" {
			v = "!" + v
		}
		return v
	}
	extra := strings.TrimSpace(strings.Join(slices.Concat(r.matches, r.targetOpts), " "))
	return ruleView{
		target: r.target,
		prot:   col(r.proto, "all"),
		in:     col(r.in, "*"),
		out:    col(r.out, "*"),
		src:    col(r.src, "0.0.0.0/0"),
		dst:    col(r.dst, "0.0.0.0/0"),
		extra:  extra,
	}
}

func (tbl *ipTable) parseRule(tokens []string) (ipRule, *channel.Result) {
	var (
		rule      ipRule
		lastMatch string
	)
	fail := func(r channel.Result) (ipRule, *channel.Result) { return ipRule{}, &r }

	for i := 0; i < len(tokens); i++ {
		var neg []string
		if tokens[i] == "!" {
			neg = []string{"!"}
			i++
			if i >= len(tokens) {
				return fail(usageError("cannot have ! at the end"))
			}
		}
		tok := tokens[i]
		value := func() (string, bool) {
			if i+1 >= len(tokens) {
				return "", false
			}
			i++
			return tokens[i], true
		}

		switch tok {
		case "-s", "--source", "-d", "--destination":
			v, ok := value()
			if !ok {
				return fail(usageError("option \"%s\" requires an argument", tok))
			}
			addr, ok := canonicalNetwork(v)
			if !ok {
				return fail(usageError("host/network `%s' not found", v))
			}
			if tok == "-s" || tok == "--source" {
				rule.src = slices.Concat(neg, []string{"-s", addr})
			} else {
				rule.dst = slices.Concat(neg, []string{"-d", addr})
			}
		case "-i", "--in-interface", "-o", "--out-interface":
			v, ok := value()
			if !ok {
				return fail(usageError("option \"%s\" requires an argument", tok))
			}
			if tok == "-i" || tok == "--in-interface" {
				rule.in = slices.Concat(neg, []string{"-i", v})
			} else {
				rule.out = slices.Concat(neg, []string{"-o", v})
			}
		case "-p", "--protocol":
			v, ok := value()
			if !ok {
				return fail(usageError("option \"%s\" requires an argument", tok))
			}
			if !slices.Contains([]string{"tcp", "udp", "icmp", "all"}, v) {
				return fail(usageError("unknown protocol \"%s\" specified", v))
			}
			rule.proto = slices.Concat(neg, []string{"-p", v})
		case "-m", "--match":
			v, ok := value()
			if !ok {
				return fail(usageError("option \"%s\" requires an argument", tok))
			}
			lastMatch = v
			rule.matches = append(rule.matches, "-m", v)
		case "-j", "--jump":
			v, ok := value()
			if !ok {
				return fail(usageError("option \"%s\" requires an argument", tok))
			}
			if _, isChain := tbl.chains[v]; !isChain && !slices.Contains(builtinTargets, v) {
				return fail(channel.Result{Stderr: fmt.Sprintf("%s: Couldn't load target `%s':No such file or directory\n", iptablesVersion, v), ExitCode: 2})
			}
			rule.target = v
		case "--sport", "--dport", "--source-port", "--destination-port":
			proto := last(rule.proto)
			if proto != "tcp" && proto != "udp" {
				return fail(usageError("unknown option \"%s\"", tok))
			}
			v, ok := value()
			if !ok || !validPort(v) {
				return fail(usageError("invalid port/service `%s' specified", v))
			}
			if lastMatch != "tcp" && lastMatch != "udp" && lastMatch != "multiport" {
				rule.matches = append(rule.matches, "-m", proto)
				lastMatch = proto
			}
			name := "--sport"
			if tok == "--dport" || tok == "--destination-port" {
				name = "--dport"
			}
			rule.matches = append(rule.matches, slices.Concat(neg, []string{name, v})...)
		default:
			if !strings.HasPrefix(tok, "--") {
				return fail(usageError("Bad argument `%s'", tok))
			}
			opt := slices.Concat(neg, []string{tok})
			if i+1 < len(tokens) && !strings.HasPrefix(tokens[i+1], "-") && tokens[i+1] != "!" {
				i++
				opt = append(opt, tokens[i])
			}
			if rule.target != "" && slices.Contains(targetOptions, tok) {
				rule.targetOpts = append(rule.targetOpts, opt...)
			} else {
				if lastMatch == "" {
					return fail(usageError("unknown option \"%s\"", tok))
				}
				rule.matches = append(rule.matches, opt...)
			}
		}
	}
	return rule, nil
}

func last(tokens []string) string {
	if len(tokens) == 0 {
		return ""
	}
	return tokens[len(tokens)-1]
}

func canonicalNetwork(s string) (string, bool) {
	if p, err := netip.ParsePrefix(s); err == nil && p.Addr().Is4() {
		return p.Masked().String(), true
	}
	if a, err := netip.ParseAddr(s); err == nil && a.Is4() {
		return a.String() + "/32", true
	}
	return "", false
}

func validPort(s string) bool {
	parts := strings.Split(s, ":")
	if len(parts) > 2 {
		return false
	}
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 65535 {
			return false
		}
	}
	return true
}
