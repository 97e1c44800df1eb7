package probe

const (
	DefaultPingCount = 4
	MaxPingCount     = 100

	DefaultIperfDuration = 10
	MaxIperfDuration     = 300
)

type PingResult struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Address     string `json:"address"`
	Command     string `json:"command"`
	Transmitted int    `json:"transmitted"`
	Received    int    `json:"received"`
	LossPercent int    `json:"loss_percent"`
	Output      string `json:"output"`
}

// Reachable reports whether at least one echo reply arrived.
func (r PingResult) Reachable() bool {
	return r.Received > 0
}

type IperfResult struct {
	Server   string `json:"server"`
	Client   string `json:"client"`
	Address  string `json:"address"`
	Command  string `json:"command"`
	Duration int    `json:"duration"`
	Sender   string `json:"sender_bitrate"`
	Receiver string `json:"receiver_bitrate"`
	Output   string `json:"output"`
}
