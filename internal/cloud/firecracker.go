package cloud

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/leases"
	"github.com/containerd/containerd/mount"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/errdefs"
	"github.com/containerd/nerdctl/pkg/imgutil/dockerconfigresolver"
	"github.com/distribution/reference"
	"github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/opencontainers/image-spec/identity"
	"github.com/sirupsen/logrus"

	"github.com/opsloop/runnerpool/internal/userdata"
)

const (
	defaultSnapshotter = "devmapper"
	defaultNetworkName = "runnerpool"
	defaultBaseDir     = "/var/lib/runnerpool/vms"
	defaultNamespace   = "runnerpool"
	maxCreateAttempts  = 5
)

func init() {
	Register("firecracker", newFirecrackerClient)
}

type firecrackerVM struct {
	id          string
	name        string
	ipAddress   string
	socketPath  string
	machine     *firecracker.Machine
	leaseCancel func(context.Context) error
	logFile     *os.File
}

// FirecrackerClient provisions ephemeral runners as Firecracker
// microVMs over containerd, the same stack the orchestrator this
// package descends from uses for its local, on-host cloud.
type FirecrackerClient struct {
	log *logrus.Logger

	client   *containerd.Client
	clientMu sync.Mutex

	baseDir     string
	snapshotter string
	cniConfDir  string
	cniBinDir   string
	networkName string
	binaryPath  string
	kernelPath  string
	kernelArgs  string

	vms   map[string]*firecrackerVM
	vmsMu sync.RWMutex
}

func newFirecrackerClient(settings map[string]any, log *logrus.Logger) (CloudClient, error) {
	address, _ := settings["containerdAddress"].(string)
	if address == "" {
		address = "/run/containerd/containerd.sock"
	}

	client, err := containerd.New(address, containerd.WithTimeout(10*time.Second))
	if err != nil {
		return nil, fmt.Errorf("cloud/firecracker: connect to containerd: %w", err)
	}

	baseDir, _ := settings["baseDir"].(string)
	if baseDir == "" {
		baseDir = defaultBaseDir
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("cloud/firecracker: create base dir: %w", err)
	}

	c := &FirecrackerClient{
		log:         log,
		client:      client,
		baseDir:     baseDir,
		snapshotter: stringSetting(settings, "snapshotter", defaultSnapshotter),
		cniConfDir:  stringSetting(settings, "cniConfDir", "/etc/cni/net.d"),
		cniBinDir:   stringSetting(settings, "cniBinDir", "/opt/cni/bin"),
		networkName: stringSetting(settings, "networkName", defaultNetworkName),
		binaryPath:  stringSetting(settings, "binaryPath", "firecracker"),
		kernelPath:  stringSetting(settings, "kernelPath", ""),
		kernelArgs:  stringSetting(settings, "kernelArgs", "console=ttyS0 reboot=k panic=1 pci=off"),
		vms:         make(map[string]*firecrackerVM),
	}
	c.cleanupStaleSockets()
	return c, nil
}

func stringSetting(settings map[string]any, key, def string) string {
	if v, ok := settings[key].(string); ok && v != "" {
		return v
	}
	return def
}

func intSetting(settings map[string]any, key string, def int64) int64 {
	switch v := settings[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	default:
		return def
	}
}

func (c *FirecrackerClient) cleanupStaleSockets() {
	entries, err := os.ReadDir(c.baseDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".sock" {
			continue
		}
		socketPath := filepath.Join(c.baseDir, entry.Name())
		if conn, err := net.DialTimeout("unix", socketPath, 100*time.Millisecond); err == nil {
			conn.Close()
			continue
		}
		c.log.WithField("socket", socketPath).Info("removing stale firecracker socket")
		_ = os.Remove(socketPath)
	}
}

// CreateVM provisions a Firecracker microVM running the configured
// rootfs image, retrying up to maxCreateAttempts total on ERROR before
// reporting failure, as the create_vm contract requires.
func (c *FirecrackerClient) CreateVM(ctx context.Context, params CreateParams) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		vmID, err := c.createOnce(ctx, params)
		if err == nil {
			return vmID, nil
		}
		lastErr = err
		c.log.WithError(err).WithField("attempt", attempt).Warn("firecracker vm creation failed, retrying")
	}
	return "", fmt.Errorf("cloud/firecracker: create_vm failed after %d attempts: %w", maxCreateAttempts, lastErr)
}

func (c *FirecrackerClient) createOnce(ctx context.Context, params CreateParams) (string, error) {
	vmID := params.RunnerName
	nsCtx := namespaces.WithNamespace(ctx, defaultNamespace)

	image, ok := params.Config["image"].(string)
	if !ok || image == "" {
		return "", fmt.Errorf("cloud/firecracker: vm_type config missing \"image\"")
	}

	img, err := c.ensureImage(nsCtx, image)
	if err != nil {
		return "", fmt.Errorf("ensure image: %w", err)
	}

	leaseID := fmt.Sprintf("runnerpool/%s", vmID)
	leaseCtx, leaseCancel, err := c.client.WithLease(nsCtx, leases.WithID(leaseID))
	if err != nil {
		return "", fmt.Errorf("containerd lease: %w", err)
	}

	mounts, err := c.createSnapshot(leaseCtx, img, vmID)
	if err != nil {
		_ = leaseCancel(nsCtx)
		return "", fmt.Errorf("create snapshot: %w", err)
	}

	logFilePath := filepath.Join(c.baseDir, vmID+".log")
	logFile, err := os.Create(logFilePath)
	if err != nil {
		_ = leaseCancel(nsCtx)
		return "", fmt.Errorf("create log file: %w", err)
	}

	socketPath := filepath.Join(c.baseDir, vmID+".sock")
	cmd := firecracker.VMCommandBuilder{}.
		WithSocketPath(socketPath).
		WithStderr(logFile).
		WithStdout(logFile).
		WithBin(c.binaryPath).
		Build(context.Background())

	fcLogger := logrus.New()
	fcLogger.SetLevel(logrus.WarnLevel)
	fcLogger.SetOutput(io.Discard)

	vcpuCount := intSetting(params.Config, "vcpuCount", 2)
	memSizeMib := intSetting(params.Config, "memSizeMib", 2048)
	kernelPath := c.kernelPath
	if v, ok := params.Config["kernelPath"].(string); ok && v != "" {
		kernelPath = v
	}

	machine, err := firecracker.NewMachine(ctx, firecracker.Config{
		VMID:            vmID,
		SocketPath:      socketPath,
		KernelImagePath: kernelPath,
		KernelArgs:      c.kernelArgs,
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  &vcpuCount,
			MemSizeMib: &memSizeMib,
		},
		Drives: []models.Drive{{
			DriveID:      firecracker.String("rootfs"),
			PathOnHost:   &mounts[0].Source,
			IsRootDevice: firecracker.Bool(true),
			IsReadOnly:   firecracker.Bool(false),
		}},
		NetworkInterfaces: []firecracker.NetworkInterface{{
			AllowMMDS: true,
			CNIConfiguration: &firecracker.CNIConfiguration{
				NetworkName: c.networkName,
				IfName:      "eth0",
				ConfDir:     c.cniConfDir,
				BinPath:     []string{c.cniBinDir},
			},
		}},
		MmdsAddress:    net.IPv4(169, 254, 169, 254),
		MmdsVersion:    firecracker.MMDSv1,
		ForwardSignals: []os.Signal{},
	}, firecracker.WithProcessRunner(cmd), firecracker.WithLogger(logrus.NewEntry(fcLogger)))
	if err != nil {
		_ = logFile.Close()
		_ = leaseCancel(nsCtx)
		return "", fmt.Errorf("new machine: %w", err)
	}

	script, err := userdata.Render(userdata.Params{
		RunnerName:   params.RunnerName,
		Tags:         params.Tags,
		Token:        params.Token,
		Org:          params.Org,
		InstallerURL: params.InstallerURL,
	})
	if err != nil {
		_ = logFile.Close()
		_ = leaseCancel(nsCtx)
		return "", err
	}

	metadata := map[string]interface{}{
		"latest": map[string]interface{}{
			"meta-data": map[string]interface{}{"runner-name": params.RunnerName},
			"user-data": script,
		},
		"2009-04-04": map[string]interface{}{
			"meta-data": map[string]interface{}{"runner-name": params.RunnerName},
			"user-data": script,
		},
	}
	machine.Handlers.FcInit = machine.Handlers.FcInit.Append(firecracker.NewSetMetadataHandler(metadata))

	if err := machine.Start(context.Background()); err != nil {
		_ = logFile.Close()
		_ = leaseCancel(nsCtx)
		return "", fmt.Errorf("start: %w", err)
	}

	ip := ""
	if len(machine.Cfg.NetworkInterfaces) > 0 {
		ni := machine.Cfg.NetworkInterfaces[0]
		if ni.StaticConfiguration != nil && ni.StaticConfiguration.IPConfiguration != nil {
			ip = ni.StaticConfiguration.IPConfiguration.IPAddr.IP.String()
		}
	}

	c.vmsMu.Lock()
	c.vms[vmID] = &firecrackerVM{
		id: vmID, name: params.RunnerName, ipAddress: ip,
		socketPath: socketPath, machine: machine, leaseCancel: leaseCancel, logFile: logFile,
	}
	c.vmsMu.Unlock()

	c.log.WithFields(logrus.Fields{"vm_id": vmID, "ip": ip}).Info("firecracker vm started")
	return vmID, nil
}

// DeleteVM stops the machine and releases its containerd lease and
// local resources. imageHint carries no special meaning for Firecracker
// microVMs, which have no cloud-side unsubscribe step; it is accepted
// for interface symmetry with the ec2 implementation.
func (c *FirecrackerClient) DeleteVM(_ context.Context, vmID string, _ string) error {
	c.vmsMu.Lock()
	vm, ok := c.vms[vmID]
	if !ok {
		c.vmsMu.Unlock()
		return nil
	}
	delete(c.vms, vmID)
	c.vmsMu.Unlock()

	if vm.machine != nil {
		if err := vm.machine.StopVMM(); err != nil {
			c.log.WithError(err).Warn("stop vmm")
		}
		waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = vm.machine.Wait(waitCtx)
		cancel()
	}

	if vm.leaseCancel != nil {
		leaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		nsCtx := namespaces.WithNamespace(leaseCtx, defaultNamespace)
		if err := vm.leaseCancel(nsCtx); err != nil && !errdefs.IsNotFound(err) {
			c.log.WithError(err).Warn("cancel containerd lease")
		}
		cancel()
	}

	if vm.logFile != nil {
		_ = vm.logFile.Close()
	}
	if vm.socketPath != "" {
		_ = os.Remove(vm.socketPath)
	}
	return nil
}

// ListVMs enumerates locally tracked microVMs whose name contains
// orgPrefix.
func (c *FirecrackerClient) ListVMs(_ context.Context, orgPrefix string) ([]VM, error) {
	c.vmsMu.RLock()
	defer c.vmsMu.RUnlock()

	out := make([]VM, 0, len(c.vms))
	for _, vm := range c.vms {
		if orgPrefix != "" && !strings.Contains(vm.name, orgPrefix) {
			continue
		}
		out = append(out, VM{ID: vm.id, Name: vm.name, Status: "active"})
	}
	return out, nil
}

func (c *FirecrackerClient) ensureImage(ctx context.Context, ref string) (containerd.Image, error) {
	c.clientMu.Lock()
	defer c.clientMu.Unlock()

	image, err := c.client.GetImage(ctx, ref)
	if err == nil {
		return image, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, fmt.Errorf("check image: %w", err)
	}

	dockerRef, err := reference.ParseDockerRef(ref)
	if err != nil {
		return nil, fmt.Errorf("parse image ref: %w", err)
	}
	resolver, err := dockerconfigresolver.New(ctx, reference.Domain(dockerRef))
	if err != nil {
		return nil, fmt.Errorf("docker config resolver: %w", err)
	}

	image, err = c.client.Pull(ctx, ref,
		containerd.WithPullUnpack,
		containerd.WithResolver(resolver),
		containerd.WithPullSnapshotter(c.snapshotter),
	)
	if err != nil {
		return nil, fmt.Errorf("pull: %w", err)
	}
	return image, nil
}

func (c *FirecrackerClient) createSnapshot(ctx context.Context, image containerd.Image, snapshotID string) ([]mount.Mount, error) {
	snapshotService := c.client.SnapshotService(c.snapshotter)

	if _, err := snapshotService.Stat(ctx, snapshotID); err == nil {
		return snapshotService.Mounts(ctx, snapshotID)
	} else if !errdefs.IsNotFound(err) {
		return nil, fmt.Errorf("stat snapshot: %w", err)
	}

	unpacked, err := image.IsUnpacked(ctx, c.snapshotter)
	if err != nil {
		return nil, fmt.Errorf("check unpacked: %w", err)
	}
	if !unpacked {
		if err := image.Unpack(ctx, c.snapshotter); err != nil {
			return nil, fmt.Errorf("unpack: %w", err)
		}
	}

	rootfs, err := image.RootFS(ctx)
	if err != nil {
		return nil, fmt.Errorf("rootfs: %w", err)
	}
	if _, err := snapshotService.Prepare(ctx, snapshotID, identity.ChainID(rootfs).String()); err != nil {
		return nil, fmt.Errorf("prepare snapshot: %w", err)
	}

	return snapshotService.Mounts(ctx, snapshotID)
}
