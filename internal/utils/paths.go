package utils

const (
	RootDir           = "/etc/sdnlab"
	DefaultConfigPath = "/etc/sdnlab/sdnlab.yaml"
	AuditLogDir       = "/var/log/sdnlab"
	AuditLogPath      = "/var/log/sdnlab/audit.log"
	KernelLogPath     = "/var/log/kern.log"

	NetnsRunDir = "/var/run/netns"
)
