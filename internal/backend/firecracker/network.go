package firecracker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/containernetworking/cni/libcni"
	"github.com/containernetworking/cni/pkg/types"
	types100 "github.com/containernetworking/cni/pkg/types/100"
)

// Networking defaults for the Firecracker CNI bridge.
const (
	DefaultBridgeName = "forgebr0"
	DefaultSubnet     = "10.169.0.0/24"
	DefaultGateway    = "10.169.0.1"

	// CNINetworkName is the CNI network name used in the conflist.
	CNINetworkName = "forge-fcnet"

	// CNIVersion is the CNI spec version used in the conflist.
	CNIVersion = "1.0.0"

	// CNIIfName is the veth name inside the network namespace.
	CNIIfName = "eth0"

	// CNICacheDir is the directory for CNI result caching.
	CNICacheDir = "/var/lib/cni/cache"

	// NetNSRunDir is where named network namespaces live.
	NetNSRunDir = "/var/run/netns"

	// NetNSPrefix is the prefix for per-task namespace names.
	NetNSPrefix = "forge-"
)

// Required CNI plugins for Firecracker networking.
var requiredCNIPlugins = []string{"bridge", "host-local", "tc-redirect-tap"}

// ipForwardPath is the sysctl path to enable IPv4 forwarding.
const ipForwardPath = "/proc/sys/net/ipv4/ip_forward"

// NetworkConfig is what CNI set up for one microVM.
type NetworkConfig struct {
	TAPDevice     string
	MACAddress    string
	GuestIP       string // CIDR notation
	GatewayIP     string
	NamespacePath string
}

// NetworkManager creates and removes one network namespace per task and
// attaches it to the host bridge through CNI.
type NetworkManager struct {
	cniBinDir    string
	cniConfigDir string
	cni          *libcni.CNIConfig
	confList     *libcni.NetworkConfigList
	confBytes    []byte
	logger       *slog.Logger

	mu         sync.Mutex
	namespaces map[string]string // task id -> namespace path
}

// NewNetworkManager builds the CNI conflist from cfg.
func NewNetworkManager(cfg Config, logger *slog.Logger) (*NetworkManager, error) {
	confBytes, err := generateConfList(cfg)
	if err != nil {
		return nil, fmt.Errorf("generate CNI conflist: %w", err)
	}
	confList, err := libcni.ConfListFromBytes(confBytes)
	if err != nil {
		return nil, fmt.Errorf("parse CNI conflist: %w", err)
	}

	return &NetworkManager{
		cniBinDir:    cfg.CNIBinDir,
		cniConfigDir: cfg.CNIConfigDir,
		cni:          libcni.NewCNIConfigWithCacheDir([]string{cfg.CNIBinDir}, CNICacheDir, nil),
		confList:     confList,
		confBytes:    confBytes,
		logger:       logger,
		namespaces:   make(map[string]string),
	}, nil
}

// netnsName maps a task id to a namespace name. Task ids are caller
// supplied, so they are hashed into a short, safe name.
func netnsName(taskID string) string {
	sum := sha256.Sum256([]byte(taskID))
	return NetNSPrefix + hex.EncodeToString(sum[:6])
}

func (nm *NetworkManager) runtimeConf(taskID, nsPath string) *libcni.RuntimeConf {
	return &libcni.RuntimeConf{
		ContainerID: strings.TrimPrefix(netnsName(taskID), NetNSPrefix),
		NetNS:       nsPath,
		IfName:      CNIIfName,
	}
}

// Setup creates the task's namespace and runs CNI ADD in it.
func (nm *NetworkManager) Setup(ctx context.Context, taskID string) (*NetworkConfig, error) {
	name := netnsName(taskID)
	nsPath := filepath.Join(NetNSRunDir, name)

	if err := createNetNS(name); err != nil {
		return nil, err
	}
	nm.mu.Lock()
	nm.namespaces[taskID] = nsPath
	nm.mu.Unlock()

	rt := nm.runtimeConf(taskID, nsPath)
	result, err := nm.cni.AddNetworkList(ctx, nm.confList, rt)
	if err == nil {
		var netCfg *NetworkConfig
		if netCfg, err = parseResult(result, nsPath); err == nil {
			nm.logger.Info("network ready",
				"task_id", taskID,
				"tap", netCfg.TAPDevice,
				"guest_ip", netCfg.GuestIP,
				"netns", name,
			)
			return netCfg, nil
		}
		if delErr := nm.cni.DelNetworkList(ctx, nm.confList, rt); delErr != nil {
			nm.logger.Debug("CNI DEL after bad result", "task_id", taskID, "error", delErr)
		}
	}

	if nsErr := deleteNetNS(name); nsErr != nil {
		nm.logger.Warn("remove netns after failed setup", "task_id", taskID, "error", nsErr)
	}
	nm.mu.Lock()
	delete(nm.namespaces, taskID)
	nm.mu.Unlock()
	return nil, fmt.Errorf("CNI setup for task %s: %w", taskID, err)
}

// Teardown runs CNI DEL and removes the namespace. Repeated calls are no-ops.
func (nm *NetworkManager) Teardown(ctx context.Context, taskID string) error {
	nm.mu.Lock()
	nsPath, ok := nm.namespaces[taskID]
	delete(nm.namespaces, taskID)
	nm.mu.Unlock()
	if !ok {
		return nil
	}

	var errs []error
	if err := nm.cni.DelNetworkList(ctx, nm.confList, nm.runtimeConf(taskID, nsPath)); err != nil {
		errs = append(errs, fmt.Errorf("CNI DEL: %w", err))
	}
	if err := deleteNetNS(netnsName(taskID)); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("teardown network for task %s: %w", taskID, err)
	}
	nm.logger.Debug("network removed", "task_id", taskID)
	return nil
}

// TeardownAll removes every namespace still tracked. Used at shutdown.
func (nm *NetworkManager) TeardownAll(ctx context.Context) {
	nm.mu.Lock()
	ids := make([]string, 0, len(nm.namespaces))
	for id := range nm.namespaces {
		ids = append(ids, id)
	}
	nm.mu.Unlock()

	for _, id := range ids {
		if err := nm.Teardown(ctx, id); err != nil {
			nm.logger.Error("teardown during shutdown", "task_id", id, "error", err)
		}
	}
}

// Verify checks that all required CNI plugins exist in the bin directory.
func (nm *NetworkManager) Verify() error {
	var missing []string
	for _, plugin := range requiredCNIPlugins {
		_, err := os.Stat(filepath.Join(nm.cniBinDir, plugin))
		switch {
		case err == nil:
		case errors.Is(err, os.ErrNotExist):
			missing = append(missing, plugin)
		default:
			return fmt.Errorf("stat CNI plugin %s: %w", plugin, err)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing CNI plugins in %s: %s", nm.cniBinDir, strings.Join(missing, ", "))
	}
	return nil
}

// WriteConfList writes the CNI conflist to the config directory so other
// CNI tooling on the host can inspect the network.
func (nm *NetworkManager) WriteConfList() error {
	if err := os.MkdirAll(nm.cniConfigDir, 0o755); err != nil {
		return fmt.Errorf("create CNI config dir: %w", err)
	}
	path := filepath.Join(nm.cniConfigDir, CNINetworkName+".conflist")
	if err := os.WriteFile(path, nm.confBytes, 0o644); err != nil {
		return fmt.Errorf("write conflist: %w", err)
	}
	nm.logger.Info("wrote CNI conflist", "path", path)
	return nil
}

// confListJSON is the structure for generating the CNI conflist JSON.
type confListJSON struct {
	CNIVersion string           `json:"cniVersion"`
	Name       string           `json:"name"`
	Plugins    []map[string]any `json:"plugins"`
}

// generateConfList returns a bridge + tc-redirect-tap conflist for cfg.
func generateConfList(cfg Config) ([]byte, error) {
	bridge, subnet, gateway := cfg.Bridge, cfg.Subnet, cfg.Gateway
	if bridge == "" {
		bridge = DefaultBridgeName
	}
	if subnet == "" {
		subnet = DefaultSubnet
	}
	if gateway == "" {
		gateway = DefaultGateway
	}

	data, err := json.MarshalIndent(confListJSON{
		CNIVersion: CNIVersion,
		Name:       CNINetworkName,
		Plugins: []map[string]any{
			{
				"type":      "bridge",
				"bridge":    bridge,
				"isGateway": true,
				"ipMasq":    true,
				"ipam": map[string]any{
					"type":    "host-local",
					"subnet":  subnet,
					"gateway": gateway,
				},
			},
			{"type": "tc-redirect-tap"},
		},
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal conflist: %w", err)
	}
	return data, nil
}

// parseResult extracts the TAP device and guest address from a CNI ADD
// result. tc-redirect-tap adds a TAP next to the veth inside the sandbox;
// the TAP is preferred, the first sandboxed interface is the fallback.
func parseResult(result types.Result, nsPath string) (*NetworkConfig, error) {
	res, err := types100.NewResultFromResult(result)
	if err != nil {
		return nil, fmt.Errorf("convert CNI result: %w", err)
	}

	netCfg := &NetworkConfig{NamespacePath: nsPath}
	var fallback *types100.Interface
	for _, iface := range res.Interfaces {
		if iface.Sandbox == "" {
			continue
		}
		if iface.Name != CNIIfName {
			netCfg.TAPDevice, netCfg.MACAddress = iface.Name, iface.Mac
			break
		}
		if fallback == nil {
			fallback = iface
		}
	}
	if netCfg.TAPDevice == "" && fallback != nil {
		netCfg.TAPDevice, netCfg.MACAddress = fallback.Name, fallback.Mac
	}
	if netCfg.TAPDevice == "" {
		return nil, errors.New("no TAP device in CNI result")
	}

	if len(res.IPs) == 0 {
		return nil, errors.New("no IP address in CNI result")
	}
	netCfg.GuestIP = res.IPs[0].Address.String()
	if res.IPs[0].Gateway != nil {
		netCfg.GatewayIP = res.IPs[0].Gateway.String()
	}
	return netCfg, nil
}

func createNetNS(name string) error {
	if err := os.MkdirAll(NetNSRunDir, 0o755); err != nil {
		return fmt.Errorf("create netns dir: %w", err)
	}
	if out, err := exec.Command("ip", "netns", "add", name).CombinedOutput(); err != nil {
		return fmt.Errorf("ip netns add %s: %s: %w", name, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// deleteNetNS removes a named namespace; a missing namespace is not an error.
func deleteNetNS(name string) error {
	if _, err := os.Stat(filepath.Join(NetNSRunDir, name)); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if out, err := exec.Command("ip", "netns", "delete", name).CombinedOutput(); err != nil {
		return fmt.Errorf("ip netns delete %s: %s: %w", name, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// EnsureIPForwarding enables IPv4 forwarding, needed for NAT from the
// bridge subnet. It only writes when forwarding is off.
func EnsureIPForwarding() error {
	data, err := os.ReadFile(ipForwardPath)
	if err != nil {
		return fmt.Errorf("read ip_forward: %w", err)
	}
	if strings.TrimSpace(string(data)) == "1" {
		return nil
	}
	if err := os.WriteFile(ipForwardPath, []byte("1"), 0o644); err != nil {
		return fmt.Errorf("enable ip_forward: %w", err)
	}
	return nil
}
