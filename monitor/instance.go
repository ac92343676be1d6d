package monitor

import (
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/rvfw/miralis/utils"
	"github.com/rvfw/miralis/utils/process"
)

var idPattern = regexp.MustCompile(`^[\w+-\.]+$`)

// Instance is one Miralis instance: a firmware/payload pair booted
// under some platform with some policy chain, tracked by id across
// separate CLI invocations the way the teacher tracks a sandbox.
type Instance struct {
	id       string
	stateDir string
	config   *Config

	mu            sync.Mutex
	pid           int
	initStartTime uint64
	state         state
	created       time.Time
}

// Create registers a new instance under root/id, validating config and
// persisting it in the Created state without starting any hart yet.
func Create(root, id string, config *Config) (*Instance, error) {
	if !idPattern.MatchString(id) {
		return nil, ErrInvalidID
	}
	if _, err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	stateDir := instanceStateDir(root, id)
	if _, err := os.Stat(stateDir); err == nil {
		return nil, ErrExist
	}
	if err := os.MkdirAll(stateDir, 0o711); err != nil {
		return nil, fmt.Errorf("monitor: creating state dir: %w", err)
	}

	i := &Instance{id: id, stateDir: stateDir, config: config, created: time.Now().UTC()}
	i.state = &created{i: i}
	if _, err := i.saveState(); err != nil {
		os.RemoveAll(stateDir)
		return nil, err
	}
	return i, nil
}

// Load reattaches to a previously created instance by id, for CLI
// invocations (list/state/kill/delete) distinct from the one that ran
// it.
func Load(root, id string) (*Instance, error) {
	stateDir := instanceStateDir(root, id)
	st, err := LoadState(stateDir)
	if err != nil {
		return nil, err
	}
	i := &Instance{
		id:            id,
		stateDir:      stateDir,
		config:        &st.Config,
		pid:           st.InitPid,
		initStartTime: st.InitStartTime,
		created:       st.Created,
	}
	if err := i.refreshState(); err != nil {
		return nil, err
	}
	return i, nil
}

func instanceStateDir(root, id string) string { return root + "/" + id }

func (i *Instance) ID() string       { return i.id }
func (i *Instance) Config() Config   { return *i.config }
func (i *Instance) StateDir() string { return i.stateDir }

func (i *Instance) hasInit() bool {
	if i.pid == 0 {
		return false
	}
	stat, err := process.Stat(i.pid)
	if err != nil {
		return false
	}
	if stat.StartTime != i.initStartTime || stat.State == process.Zombie || stat.State == process.Dead {
		return false
	}
	return true
}

func (i *Instance) currentStatus() (Status, error) {
	if err := i.refreshState(); err != nil {
		return -1, err
	}
	return i.state.status(), nil
}

func (i *Instance) Status() (Status, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.currentStatus()
}

func (i *Instance) refreshState() error {
	if i.state == nil {
		i.state = &created{i: i}
	}
	if i.pid == 0 {
		// No hart process has been spawned: the instance keeps its
		// current state (created, or stopped once destroyed).
		return nil
	}
	if !i.hasInit() {
		return i.state.transition(&stopped{i: i})
	}
	if _, err := os.Stat(utils.FifoFile(i.stateDir)); err == nil {
		return i.state.transition(&created{i: i})
	}
	return i.state.transition(&running{i: i})
}

func (i *Instance) currentState() *State {
	return &State{BaseState: BaseState{
		ID: i.id, Config: *i.config,
		InitPid: i.pid, InitStartTime: i.initStartTime,
		Created: i.created,
	}}
}

func (i *Instance) State() (*State, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.currentState(), nil
}

func (i *Instance) saveState() (*State, error) {
	st := i.currentState()
	tmp, err := os.CreateTemp(i.stateDir, "state-")
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()
	if err = utils.WriteJSON(tmp, st); err != nil {
		return nil, err
	}
	if err = tmp.Close(); err != nil {
		return nil, err
	}
	if err = os.Rename(tmp.Name(), utils.StateFile(i.stateDir)); err != nil {
		return nil, err
	}
	return st, nil
}

func (i *Instance) signal(sig os.Signal) error {
	if !i.hasInit() {
		return ErrNotRunning
	}
	proc, err := os.FindProcess(i.pid)
	if err != nil {
		return fmt.Errorf("monitor: finding process: %w", err)
	}
	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("monitor: signalling instance: %w", err)
	}
	return nil
}

func (i *Instance) Signal(sig os.Signal) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.signal(sig)
}

// Run spawns the instance's hart process (a re-exec of self with the
// hidden "__run-hart" subcommand) and blocks until it has signalled
// readiness over the boot fifo.
func (i *Instance) Run(selfExe string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.initStartTime != 0 {
		return fmt.Errorf("monitor: instance already has a hart process")
	}

	pipe, err := utils.OpenPipeFile(utils.PipePath(i.stateDir))
	if err != nil {
		return fmt.Errorf("monitor: opening output pipe: %w", err)
	}

	if err := i.createFifo(); err != nil {
		return err
	}
	cleanFifo := true
	defer func() {
		if cleanFifo {
			i.deleteFifo()
		}
	}()

	p := &hartProcess{
		args:   []string{selfExe, "__run-hart", "--state-dir", i.stateDir},
		stdout: pipe,
	}
	if err := p.start(); err != nil {
		return err
	}

	startTime, err := p.startTime()
	if err != nil {
		return err
	}

	i.pid = p.pid()
	i.initStartTime = startTime
	i.state = &created{i: i}
	if _, err := i.saveState(); err != nil {
		return err
	}

	cleanFifo = false
	return i.step()
}

// Destroy tears down the instance's on-disk state. A created instance's
// hart process, if one is alive, is killed first; a running instance
// whose hart process is still alive is refused with ErrRunning.
func (i *Instance) Destroy() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.refreshState(); err != nil {
		return err
	}
	if err := i.state.destroy(); err != nil {
		return fmt.Errorf("monitor: destroying instance: %w", err)
	}
	return nil
}

// List enumerates every instance id persisted under root.
func List(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}
