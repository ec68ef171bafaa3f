package cmds

import (
	"time"

	"github.com/kiwi-io/kiwi/pkg/version"
	"github.com/urfave/cli"
)

type Agent struct {
	AgentID            string
	RefreshInterval    time.Duration
	ReconnectInterval  time.Duration
	KubeEndpoint       string
	Kubeconfig         string
	EtcdEndpoint       string
	EtcdPrefix         string
	Interface          string
	Label              string
	FWChain            string
	FWMark             uint
	CIDRRanges         cli.StringSlice
	NoDriver           bool
	MetricsBindAddress string
}

var (
	AgentConfig Agent

	AgentIDFlag = cli.StringFlag{
		Name:        "agent-id,id",
		Usage:       "(agent) Identity used as the lease value in the coordination store; defaults to a fresh UUID",
		EnvVar:      version.ProgramUpper + "_AGENT_ID",
		Destination: &AgentConfig.AgentID,
	}
	RefreshIntervalFlag = cli.DurationFlag{
		Name:        "refresh-interval",
		Usage:       "(agent) Interval between lease refresh passes; leases live twice this long",
		Destination: &AgentConfig.RefreshInterval,
		Value:       30 * time.Second,
	}
	ReconnectIntervalFlag = cli.DurationFlag{
		Name:        "reconnect-interval",
		Usage:       "(agent) Delay before reconnecting a failed watch",
		Destination: &AgentConfig.ReconnectInterval,
		Value:       10 * time.Second,
	}
	KubeEndpointFlag = cli.StringFlag{
		Name:        "kube-endpoint,k",
		Usage:       "(cluster) Kubernetes API endpoint",
		EnvVar:      version.ProgramUpper + "_KUBE_ENDPOINT",
		Destination: &AgentConfig.KubeEndpoint,
		Value:       "http://localhost:8080",
	}
	KubeconfigFlag = cli.StringFlag{
		Name:        "kubeconfig",
		Usage:       "(cluster) Path to a kubeconfig; overrides --kube-endpoint",
		EnvVar:      version.ProgramUpper + "_KUBECONFIG",
		Destination: &AgentConfig.Kubeconfig,
	}
	EtcdEndpointFlag = cli.StringFlag{
		Name:        "etcd-endpoint,s",
		Usage:       "(cluster) Coordination store endpoint",
		EnvVar:      version.ProgramUpper + "_ETCD_ENDPOINT",
		Destination: &AgentConfig.EtcdEndpoint,
		Value:       "http://localhost:2379",
	}
	EtcdPrefixFlag = cli.StringFlag{
		Name:        "etcd-prefix,p",
		Usage:       "(cluster) Key prefix for coordination store state",
		EnvVar:      version.ProgramUpper + "_ETCD_PREFIX",
		Destination: &AgentConfig.EtcdPrefix,
		Value:       "/" + version.Program,
	}
	InterfaceFlag = cli.StringFlag{
		Name:        "interface,i",
		Usage:       "(network) Interface claimed public IPs are added to",
		EnvVar:      version.ProgramUpper + "_INTERFACE",
		Destination: &AgentConfig.Interface,
		Value:       "eth0",
	}
	LabelFlag = cli.StringFlag{
		Name:        "label",
		Usage:       "(network) Label marking addresses as managed by this agent",
		Destination: &AgentConfig.Label,
		Value:       "kube",
	}
	FWChainFlag = cli.StringFlag{
		Name:        "fwchain",
		Usage:       "(network) Mangle-table chain owned by this agent",
		Destination: &AgentConfig.FWChain,
		Value:       "KIWI",
	}
	FWMarkFlag = cli.UintFlag{
		Name:        "fwmark",
		Usage:       "(network) Mark applied to packets for claimed addresses",
		Destination: &AgentConfig.FWMark,
		Value:       1,
	}
	CIDRRangeFlag = cli.StringSliceFlag{
		Name:  "cidr-range,r",
		Usage: "(network) Allowlist of CIDR ranges public IPs must fall in; may be given multiple times",
		Value: &AgentConfig.CIDRRanges,
	}
	NoDriverFlag = cli.BoolFlag{
		Name:        "no-driver,n",
		Usage:       "(network) Do not touch interfaces or the firewall; claim traffic only",
		Destination: &AgentConfig.NoDriver,
	}
	MetricsBindAddressFlag = cli.StringFlag{
		Name:        "metrics-bind-address",
		Usage:       "(observability) Address to serve Prometheus metrics on; empty to disable",
		Destination: &AgentConfig.MetricsBindAddress,
	}
)

func NewAgentCommand(action func(ctx *cli.Context) error) cli.Command {
	return cli.Command{
		Name:      "agent",
		Usage:     "Run the public IP agent",
		UsageText: appName + " agent [OPTIONS]",
		Action:    action,
		Flags: []cli.Flag{
			AgentIDFlag,
			RefreshIntervalFlag,
			ReconnectIntervalFlag,
			KubeEndpointFlag,
			KubeconfigFlag,
			EtcdEndpointFlag,
			EtcdPrefixFlag,
			InterfaceFlag,
			LabelFlag,
			FWChainFlag,
			FWMarkFlag,
			CIDRRangeFlag,
			NoDriverFlag,
			MetricsBindAddressFlag,
			DebugFlag,
		},
	}
}
