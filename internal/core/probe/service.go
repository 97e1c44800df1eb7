package probe

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"

	"sdnlab/internal/channel"
	"sdnlab/internal/errdefs"
	"sdnlab/internal/topology"
)

var (
	pingSummary = regexp.MustCompile(`(\d+) packets transmitted, (\d+) (?:packets )?received`)
	pingLoss    = regexp.MustCompile(`(\d+(?:\.\d+)?)% packet loss`)
	iperfRate   = regexp.MustCompile(`([\d.]+ [KMG]?bits/sec)\s.*\b(sender|receiver)\s*$`)
)

func NewProbeService() *ProbeService {
	return &ProbeService{}
}

// ProbeService runs bounded reachability and throughput measurements
// between hosts.
type ProbeService struct{}

func hostAddress(net Network, id string) (string, error) {
	node, err := net.HostByName(id)
	if err != nil {
		return "", err
	}
	addr, ok := node.Address()
	if !ok {
		return "", errdefs.Validation(errdefs.ErrInvalidAddress, "host", id, "host has no address")
	}
	return addr.String(), nil
}

func execute(ctx context.Context, ch channel.NodeChannel, node, command string) (channel.Result, error) {
	res, err := ch.Execute(ctx, node, command)
	if err != nil {
		return res, errdefs.CommandFailure(errdefs.ErrCommandFailed, node, command, res.Stdout, res.Stderr, -1, err)
	}
	return res, nil
}

// Ping sends count echo requests from src to the address of dst. Packet
// loss is a result, not an error; only a ping that could not run fails.
func (s *ProbeService) Ping(ctx context.Context, net Network, src, dst string, count int) (PingResult, error) {
	// 1. validate
	if count == 0 {
		count = DefaultPingCount
	}
	if count < 1 || count > MaxPingCount {
		return PingResult{}, errdefs.Validation(errdefs.ErrInvalidParameter, "count", strconv.Itoa(count), fmt.Sprintf("expected 1-%d", MaxPingCount))
	}
	if _, err := net.HostByName(src); err != nil {
		return PingResult{}, err
	}
	addr, err := hostAddress(net, dst)
	if err != nil {
		return PingResult{}, err
	}

	// 2. run
	command := channel.Shell("ping", "-c", strconv.Itoa(count), addr)
	res, err := execute(ctx, net.NodeChannel(), src, command)
	if err != nil {
		return PingResult{}, err
	}
	// ping exits 1 when no reply arrived
	if res.ExitCode > 1 || res.ExitCode < 0 {
		return PingResult{}, errdefs.CommandFailure(errdefs.ErrCommandFailed, src, command, res.Stdout, res.Stderr, res.ExitCode, nil)
	}

	result := PingResult{
		Source:      src,
		Destination: dst,
		Address:     addr,
		Command:     command,
		Output:      res.Stdout,
	}
	if m := pingSummary.FindStringSubmatch(res.Stdout); m != nil {
		result.Transmitted, _ = strconv.Atoi(m[1])
		result.Received, _ = strconv.Atoi(m[2])
	}
	if m := pingLoss.FindStringSubmatch(res.Stdout); m != nil {
		loss, _ := strconv.ParseFloat(m[1], 64)
		result.LossPercent = int(loss)
	}
	log.Printf("[*] ping %s -> %s (%s): %d/%d received", src, dst, addr, result.Received, result.Transmitted)
	return result, nil
}

// Iperf measures TCP throughput from client to server for duration
// seconds. The server daemon is stopped afterwards even when the client
// fails.
func (s *ProbeService) Iperf(ctx context.Context, net Network, server, client string, duration int) (result IperfResult, err error) {
	// 1. validate
	if duration == 0 {
		duration = DefaultIperfDuration
	}
	if duration < 1 || duration > MaxIperfDuration {
		return IperfResult{}, errdefs.Validation(errdefs.ErrInvalidParameter, "duration", strconv.Itoa(duration), fmt.Sprintf("expected 1-%d", MaxIperfDuration))
	}
	addr, err := hostAddress(net, server)
	if err != nil {
		return IperfResult{}, err
	}
	if _, err := net.HostByName(client); err != nil {
		return IperfResult{}, err
	}
	ch := net.NodeChannel()

	// 2. start server
	serverCmd := channel.Shell("iperf3", "-s", "-D")
	res, err := execute(ctx, ch, server, serverCmd)
	if err != nil {
		return IperfResult{}, err
	}
	if !res.Ok() {
		return IperfResult{}, errdefs.CommandFailure(errdefs.ErrCommandFailed, server, serverCmd, res.Stdout, res.Stderr, res.ExitCode, nil)
	}
	defer func() {
		// pkill exits 1 when the daemon already went away
		stopCmd := channel.Shell("pkill", "iperf3")
		if _, stopErr := execute(context.WithoutCancel(ctx), ch, server, stopCmd); stopErr != nil {
			log.Printf("[*] iperf server %s: stop failed: %v", server, stopErr)
			if err == nil {
				err = stopErr
			}
		}
	}()

	// 3. run client
	clientCmd := channel.Shell("iperf3", "-c", addr, "-t", strconv.Itoa(duration))
	res, err = execute(ctx, ch, client, clientCmd)
	if err != nil {
		return IperfResult{}, err
	}
	if !res.Ok() {
		return IperfResult{}, errdefs.CommandFailure(errdefs.ErrCommandFailed, client, clientCmd, res.Stdout, res.Stderr, res.ExitCode, nil)
	}

	result = IperfResult{
		Server:   server,
		Client:   client,
		Address:  addr,
		Command:  clientCmd,
		Duration: duration,
		Output:   res.Stdout,
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		m := iperfRate.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if m[2] == "sender" {
			result.Sender = m[1]
		} else {
			result.Receiver = m[1]
		}
	}
	log.Printf("[*] iperf %s -> %s (%s): sender %s, receiver %s", client, server, addr, result.Sender, result.Receiver)
	return result, nil
}

var _ Network = (*topology.Network)(nil)
