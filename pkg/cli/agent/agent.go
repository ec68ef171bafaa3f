// Package agent wires the drivers, coordination client, watchers, and
// manager together and runs them until shutdown.
package agent

import (
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/kiwi-io/kiwi/pkg/addresswatcher"
	"github.com/kiwi-io/kiwi/pkg/cli/cmds"
	"github.com/kiwi-io/kiwi/pkg/coordination"
	"github.com/kiwi-io/kiwi/pkg/event"
	"github.com/kiwi-io/kiwi/pkg/firewall"
	"github.com/kiwi-io/kiwi/pkg/iface"
	"github.com/kiwi-io/kiwi/pkg/manager"
	"github.com/kiwi-io/kiwi/pkg/servicewatcher"
	"github.com/kiwi-io/kiwi/pkg/signals"
)

// eventBuffer bounds the merged event channel; watchers block when the
// manager falls behind.
const eventBuffer = 128

func Run(clx *cli.Context) error {
	cfg := cmds.AgentConfig
	if cmds.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	agentID := cfg.AgentID
	if agentID == "" {
		agentID = uuid.NewString()
	}

	cidrs, err := parseCIDRs(cfg.CIDRRanges)
	if err != nil {
		return err
	}

	logrus.Infof("Starting %s agent %s", clx.App.Name, agentID)
	logrus.Infof("Kubernetes is %s", cfg.KubeEndpoint)
	logrus.Infof("Coordination store is %s with prefix %s", cfg.EtcdEndpoint, cfg.EtcdPrefix)

	ctx := signals.SetupSignalContext()

	coord, err := coordination.NewClient(cfg.EtcdEndpoint, cfg.EtcdPrefix, cfg.RefreshInterval)
	if err != nil {
		return err
	}

	var (
		ifaceDriver iface.Driver
		fwDriver    firewall.Driver
	)
	if cfg.NoDriver {
		logrus.Infof("Running without interface and firewall drivers")
	} else {
		fwDriver, err = firewall.New(cfg.FWChain, uint32(cfg.FWMark))
		if err != nil {
			return err
		}
		ifaceDriver, err = iface.New(cfg.Interface, cfg.Label, int(2*cfg.RefreshInterval.Seconds()))
		if err != nil {
			cleanupDrivers(nil, fwDriver)
			return err
		}
		logrus.Infof("Managing interface %s with chain %s and mark %d", cfg.Interface, cfg.FWChain, cfg.FWMark)
	}

	client, err := kubeClient(cfg.KubeEndpoint, cfg.Kubeconfig)
	if err != nil {
		cleanupDrivers(ifaceDriver, fwDriver)
		return err
	}

	manager.MustRegister(prometheus.DefaultRegisterer)
	if cfg.MetricsBindAddress != "" {
		serveMetrics(cfg.MetricsBindAddress)
	}

	events := make(chan event.Event, eventBuffer)
	go addresswatcher.New(coord, cfg.ReconnectInterval).Run(ctx, events)
	go servicewatcher.New(client, cfg.ReconnectInterval).Run(ctx, events)

	mgr := manager.New(agentID, coord, ifaceDriver, fwDriver, cidrs, cfg.RefreshInterval)
	return mgr.Run(ctx, events)
}

func parseCIDRs(ranges []string) ([]*net.IPNet, error) {
	var cidrs []*net.IPNet
	for _, r := range ranges {
		_, cidr, err := net.ParseCIDR(r)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid cidr range %q", r)
		}
		cidrs = append(cidrs, cidr)
	}
	return cidrs, nil
}

func kubeClient(endpoint, kubeconfig string) (kubernetes.Interface, error) {
	// A kubeconfig carries its own server address; the endpoint would
	// override it, so it is only used without one.
	if kubeconfig != "" {
		endpoint = ""
	}
	config, err := clientcmd.BuildConfigFromFlags(endpoint, kubeconfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build Kubernetes client config")
	}
	return kubernetes.NewForConfig(config)
}

// cleanupDrivers undoes driver startup when initialization fails after the
// drivers are already constructed; the manager owns cleanup once it runs.
func cleanupDrivers(ifaceDriver iface.Driver, fwDriver firewall.Driver) {
	if fwDriver != nil {
		if err := fwDriver.Cleanup(); err != nil {
			logrus.Errorf("Failed to clean up firewall: %v", err)
		}
	}
	if ifaceDriver != nil {
		if err := ifaceDriver.Cleanup(); err != nil {
			logrus.Errorf("Failed to clean up interface: %v", err)
		}
	}
}

func serveMetrics(address string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		logrus.Infof("Serving metrics on %s", address)
		if err := http.ListenAndServe(address, mux); err != nil {
			logrus.Errorf("Metrics server failed: %v", err)
		}
	}()
}
