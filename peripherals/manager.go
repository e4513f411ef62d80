package peripherals

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/spider-net/spider/identity"
	"github.com/spider-net/spider/state"
	"github.com/spider-net/spider/ui"
)

// CodeIssuer mints a pairing code a freshly installed peripheral can redeem
// on its first connection; the router implements it.
type CodeIssuer interface {
	IssueApprovalCode(ttl time.Duration) string
}

// pairingCodeTTL bounds how long an installed-but-never-launched peripheral
// can sit before its keyfile code stops pairing automatically.
const pairingCodeTTL = time.Hour

// ServiceStatus is the three-state machine a peripheral service occupies:
// uninstalled, installed-but-stopped, or installed-and-running.
type ServiceStatus int

const (
	Uninstalled ServiceStatus = iota
	Stopped
	Running
)

type runningProc struct {
	cmd    *exec.Cmd
	stdout *rotatingWriter
	stderr *rotatingWriter
}

// Manager owns every installed peripheral service: its directory on disk,
// its enabled/running bookkeeping in StateData, and its live process if
// running.
type Manager struct {
	root  string
	sd    *state.StateData
	ui    *ui.Processor
	codes CodeIssuer
	self  identity.NodeId
	log   *logrus.Entry

	mu      sync.Mutex
	running map[string]*runningProc
}

func New(root string, sd *state.StateData, uiProc *ui.Processor, codes CodeIssuer, self identity.NodeId, log *logrus.Entry) *Manager {
	return &Manager{
		root:    root,
		sd:      sd,
		ui:      uiProc,
		codes:   codes,
		self:    self,
		log:     log.WithField("component", "peripherals"),
		running: map[string]*runningProc{},
	}
}

func (m *Manager) serviceDir(name string) string {
	return filepath.Join(m.root, name)
}

// Install clones url into the peripherals root, writes the keyfile the
// peripheral uses to find and authenticate this base, persists it enabled,
// and launches it.
func (m *Manager) Install(url string) error {
	name, err := NameFromURL(url)
	if err != nil {
		return err
	}
	dir := m.serviceDir(name)
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("peripherals: %s already installed", name)
	}

	cmd := exec.Command("git", "clone", url, dir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("peripherals: git clone failed: %w: %s", err, out)
	}

	if err := m.writeKeyfile(dir); err != nil {
		return err
	}

	m.sd.SetPeripheralServiceEnabled(name, true)
	_ = m.sd.Save()
	m.registerServiceSetting(name)
	return m.Start(name)
}

// keyfile is the wire-shape a freshly installed peripheral reads to learn
// how to reach this base and auto-pair to it: the base's id plus a
// single-use permission code the router will redeem when the peripheral
// first dials in.
type keyfile struct {
	Id             identity.NodeId `json:"id"`
	PermissionCode *string         `json:"permission_code,omitempty"`
}

func (m *Manager) writeKeyfile(dir string) error {
	kf := keyfile{Id: m.self}
	if m.codes != nil {
		code := m.codes.IssueApprovalCode(pairingCodeTTL)
		kf.PermissionCode = &code
	}
	b, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "spider_keyfile.json"), b, 0o600)
}

// Start launches name's process according to its manifest if it isn't
// already running.
func (m *Manager) Start(name string) error {
	m.mu.Lock()
	if _, ok := m.running[name]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	dir := m.serviceDir(name)
	manifest, err := ParseManifest(manifestPath(dir))
	if err != nil {
		return err
	}

	if manifest.Build == BuildCargo {
		build := exec.Command("cargo", "build", "--release")
		build.Dir = dir
		if out, err := build.CombinedOutput(); err != nil {
			return fmt.Errorf("peripherals: cargo build failed: %w: %s", err, out)
		}
	}

	cmd, err := launchCommand(dir, manifest)
	if err != nil {
		return err
	}

	stdout, err := newRotatingWriter(filepath.Join(dir, "stdout"))
	if err != nil {
		return err
	}
	stderr, err := newRotatingWriter(filepath.Join(dir, "stderr"))
	if err != nil {
		stdout.Close()
		return err
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("peripherals: start %s: %w", name, err)
	}

	proc := &runningProc{cmd: cmd, stdout: stdout, stderr: stderr}
	m.mu.Lock()
	m.running[name] = proc
	m.mu.Unlock()

	m.sd.SetPeripheralServiceEnabled(name, true)
	_ = m.sd.Save()

	go func() {
		_ = cmd.Wait()
		stdout.Close()
		stderr.Close()
		m.mu.Lock()
		delete(m.running, name)
		m.mu.Unlock()
	}()
	return nil
}

func launchCommand(dir string, manifest Manifest) (*exec.Cmd, error) {
	switch manifest.Launch {
	case LaunchExe:
		c := exec.Command(filepath.Join(dir, manifest.Entry), manifest.Args...)
		c.Dir = dir
		return c, nil
	case LaunchPython:
		args := append([]string{manifest.Entry}, manifest.Args...)
		c := exec.Command("python3", args...)
		c.Dir = dir
		return c, nil
	case LaunchCargo:
		args := append([]string{"run", "--release", "--"}, manifest.Args...)
		c := exec.Command("cargo", args...)
		c.Dir = dir
		return c, nil
	default:
		return nil, fmt.Errorf("peripherals: unknown launch kind %q", manifest.Launch)
	}
}

// Stop marks name disabled and terminates its process, if one is running.
// The enabled flag clears even when the process already died, so a crashed
// service can still be switched off.
func (m *Manager) Stop(name string) error {
	if _, known := m.sd.PeripheralServices()[name]; known {
		m.sd.SetPeripheralServiceEnabled(name, false)
		_ = m.sd.Save()
	}
	m.mu.Lock()
	proc, ok := m.running[name]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return proc.cmd.Process.Kill()
}

// Remove stops the service, if running, and deletes its directory and
// state entry entirely.
func (m *Manager) Remove(name string) error {
	_ = m.Stop(name)
	m.sd.RemovePeripheralService(name)
	_ = m.sd.Save()
	m.removeServiceSetting(name)
	return os.RemoveAll(m.serviceDir(name))
}

// Status reports a service's current lifecycle state.
func (m *Manager) Status(name string) ServiceStatus {
	if _, err := os.Stat(m.serviceDir(name)); err != nil {
		return Uninstalled
	}
	m.mu.Lock()
	_, running := m.running[name]
	m.mu.Unlock()
	if running {
		return Running
	}
	return Stopped
}

// StartEnabled launches every service StateData has recorded as enabled;
// called once at startup.
func (m *Manager) StartEnabled() {
	for name, enabled := range m.sd.PeripheralServices() {
		m.registerServiceSetting(name)
		if enabled {
			if err := m.Start(name); err != nil {
				m.log.WithError(err).WithField("service", name).Warn("peripherals: failed to start enabled service")
			}
		}
	}
}
