package memnet

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"sdnlab/internal/channel"
)

var errUnterminatedQuote = errors.New("unterminated quoted string")

// splitCommand splits a POSIX shell command line into words. It handles
// single quotes, double quotes and backslash escapes, which is what
// shellescape produces.
func splitCommand(line string) ([]string, error) {
	var (
		words   []string
		cur     strings.Builder
		inWord  bool
		quote   rune
		escaped bool
	)

	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case quote == '\'':
			if r == '\'' {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case quote == '"':
			switch r {
			case '"':
				quote = 0
			case '\\':
				escaped = true
			default:
				cur.WriteRune(r)
			}
		case r == '\\':
			escaped = true
			inWord = true
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == ' ' || r == '\t' || r == '\n':
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}

	if quote != 0 || escaped {
		return nil, errUnterminatedQuote
	}
	if inWord {
		words = append(words, cur.String())
	}
	return words, nil
}

func (e *Emulator) run(n *node, command string) channel.Result {
	argv, err := splitCommand(command)
	if err != nil {
		return channel.Result{Stderr: fmt.Sprintf("sh: syntax error: %v\n", err), ExitCode: 2}
	}
	if len(argv) == 0 {
		return channel.Result{}
	}

	switch argv[0] {
	case "iptables":
		return n.ipt.run(argv[1:])
	case "sysctl":
		return sysctl(n, argv[1:])
	case "ip":
		return ipTool(n, argv[1:])
	case "ping":
		return e.ping(n, argv[1:])
	case "iperf3":
		return e.iperf(n, argv[1:])
	case "pkill":
		return pkill(n, argv[1:])
	case "echo":
		return channel.Result{Stdout: strings.Join(argv[1:], " ") + "\n"}
	case "true", "apk", "apt-get":
		return channel.Result{}
	default:
		return channel.Result{Stderr: fmt.Sprintf("sh: %s: not found\n", argv[0]), ExitCode: 127}
	}
}

func sysctl(n *node, args []string) channel.Result {
	if len(args) == 2 && args[0] == "-w" {
		k, v, ok := strings.Cut(args[1], "=")
		if !ok {
			return channel.Result{Stderr: fmt.Sprintf("sysctl: %q must be of the form name=value\n", args[1]), ExitCode: 1}
		}
		n.sysctl[k] = v
		return channel.Result{Stdout: fmt.Sprintf("%s = %s\n", k, v)}
	}
	if len(args) == 2 && args[0] == "-n" {
		v, ok := n.sysctl[args[1]]
		if !ok {
			return channel.Result{Stderr: fmt.Sprintf("sysctl: cannot stat /proc/sys/%s: No such file or directory\n", strings.ReplaceAll(args[1], ".", "/")), ExitCode: 255}
		}
		return channel.Result{Stdout: v + "\n"}
	}
	return channel.Result{Stderr: "sysctl: unsupported invocation\n", ExitCode: 1}
}

func ipTool(n *node, args []string) channel.Result {
	// ip link set <dev> up|down
	if len(args) == 4 && args[0] == "link" && args[1] == "set" {
		dev := args[2]
		if _, ok := n.spec.Interface(dev); !ok && dev != "lo" {
			return channel.Result{Stderr: fmt.Sprintf("Cannot find device \"%s\"\n", dev), ExitCode: 1}
		}
		n.upLinks[dev] = args[3] == "up"
		return channel.Result{}
	}

	// ip [-4] addr [show]
	rest := args
	if len(rest) > 0 && rest[0] == "-4" {
		rest = rest[1:]
	}
	if len(rest) > 0 && (rest[0] == "addr" || rest[0] == "a") {
		var b strings.Builder
		for i, iface := range n.spec.Interfaces {
			state := "DOWN"
			if n.upLinks[iface.Name] {
				state = "UP"
			}
			fmt.Fprintf(&b, "%d: %s: <BROADCAST,MULTICAST> mtu 1500 state %s\n", i+2, iface.Name, state)
			if iface.Address.IsValid() {
				fmt.Fprintf(&b, "    inet %s scope global %s\n", iface.Address, iface.Name)
			}
		}
		return channel.Result{Stdout: b.String()}
	}
	return channel.Result{Stderr: "Object \"" + strings.Join(args, " ") + "\" is unknown, try \"ip help\".\n", ExitCode: 1}
}

func (e *Emulator) ping(n *node, args []string) channel.Result {
	count := 4
	var target string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-c":
			if i+1 >= len(args) {
				return channel.Result{Stderr: "ping: option requires an argument -- 'c'\n", ExitCode: 2}
			}
			c, err := strconv.Atoi(args[i+1])
			if err != nil || c <= 0 {
				return channel.Result{Stderr: fmt.Sprintf("ping: invalid argument: '%s'\n", args[i+1]), ExitCode: 1}
			}
			count = c
			i++
		default:
			target = args[i]
		}
	}

	addr, err := netip.ParseAddr(target)
	if err != nil {
		return channel.Result{Stderr: fmt.Sprintf("ping: %s: Name or service not known\n", target), ExitCode: 2}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "PING %s (%s) 56(84) bytes of data.\n", addr, addr)
	_, reachable := e.owner(addr)
	received := 0
	if reachable {
		for seq := 1; seq <= count; seq++ {
			fmt.Fprintf(&b, "64 bytes from %s: icmp_seq=%d ttl=64 time=0.050 ms\n", addr, seq)
		}
		received = count
	}
	fmt.Fprintf(&b, "\n--- %s ping statistics ---\n", addr)
	loss := 100 - received*100/count
	fmt.Fprintf(&b, "%d packets transmitted, %d received, %d%% packet loss, time %dms\n", count, received, loss, (count-1)*1000)
	if !reachable {
		return channel.Result{Stdout: b.String(), ExitCode: 1}
	}
	b.WriteString("rtt min/avg/max/mdev = 0.040/0.050/0.060/0.008 ms\n")
	return channel.Result{Stdout: b.String()}
}

func (e *Emulator) iperf(n *node, args []string) channel.Result {
	server := false
	var target string
	duration := 10
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-s":
			server = true
		case "-D":
		case "-c":
			if i+1 < len(args) {
				target = args[i+1]
				i++
			}
		case "-t":
			if i+1 < len(args) {
				d, err := strconv.Atoi(args[i+1])
				if err != nil || d <= 0 {
					return channel.Result{Stderr: "iperf3: parameter error - invalid duration\n", ExitCode: 1}
				}
				duration = d
				i++
			}
		}
	}

	if server {
		n.iperfSrv = true
		return channel.Result{}
	}

	addr, err := netip.ParseAddr(target)
	if err != nil {
		return channel.Result{Stderr: "iperf3: error - unable to resolve host\n", ExitCode: 1}
	}
	peer, ok := e.owner(addr)
	if !ok || !peer.iperfSrv {
		return channel.Result{Stderr: "iperf3: error - unable to connect to server: Connection refused\n", ExitCode: 1}
	}

	local, _ := n.spec.Address()
	var b strings.Builder
	fmt.Fprintf(&b, "Connecting to host %s, port 5201\n", addr)
	fmt.Fprintf(&b, "[  5] local %s port 43210 connected to %s port 5201\n", local, addr)
	b.WriteString("[ ID] Interval           Transfer     Bitrate\n")
	fmt.Fprintf(&b, "[  5]   0.00-%d.00  sec  1.10 GBytes   944 Mbits/sec                  sender\n", duration)
	fmt.Fprintf(&b, "[  5]   0.00-%d.00  sec  1.10 GBytes   943 Mbits/sec                  receiver\n", duration)
	b.WriteString("\niperf Done.\n")
	return channel.Result{Stdout: b.String()}
}

func pkill(n *node, args []string) channel.Result {
	if len(args) == 1 && args[0] == "iperf3" && n.iperfSrv {
		n.iperfSrv = false
		return channel.Result{}
	}
	return channel.Result{ExitCode: 1}
}
