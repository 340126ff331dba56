package spawner

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
)

func init() {
	RegisterBackend("local", newLocalFromConfig)
}

// LocalSpawner runs each server as a child process on the hub host.
// Single-host deployments only; the docker backend isolates users
// properly.
type LocalSpawner struct {
	command []string
	host    string

	mu    sync.Mutex
	procs map[string]*exec.Cmd
}

// NewLocalSpawner creates a process-based spawner. command is the argv
// template for the server; the route prefix is appended as
// "--prefix=<prefix>".
func NewLocalSpawner(command []string) *LocalSpawner {
	return &LocalSpawner{
		command: command,
		host:    "127.0.0.1",
		procs:   make(map[string]*exec.Cmd),
	}
}

func newLocalFromConfig(ctx context.Context, cfg map[string]interface{}) (Spawner, error) {
	raw, ok := cfg["command"].([]interface{})
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("local spawner requires a command list")
	}
	command := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("local spawner: command entries must be strings")
		}
		command = append(command, s)
	}
	return NewLocalSpawner(command), nil
}

func (l *LocalSpawner) Start(ctx context.Context, server *Server) error {
	port, err := freePort(l.host)
	if err != nil {
		return fmt.Errorf("%w: no free port: %v", ErrSpawnBackendError, err)
	}

	args := append(append([]string{}, l.command[1:]...),
		"--prefix="+server.Prefix, "--port="+strconv.Itoa(port))
	cmd := exec.Command(l.command[0], args...)
	cmd.Env = append(os.Environ(), server.Environ()...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrSpawnBackendError, err)
	}

	server.URL = fmt.Sprintf("http://%s:%d", l.host, port)
	server.BackendID = strconv.Itoa(cmd.Process.Pid)

	l.mu.Lock()
	l.procs[server.Owner] = cmd
	l.mu.Unlock()

	// Reap the child so it never zombies
	go func() { _ = cmd.Wait() }()
	return nil
}

func (l *LocalSpawner) Poll(ctx context.Context, server *Server) (bool, error) {
	l.mu.Lock()
	cmd, ok := l.procs[server.Owner]
	l.mu.Unlock()
	if !ok || cmd.Process == nil {
		return false, nil
	}
	// Signal 0 probes for existence without touching the process
	if err := cmd.Process.Signal(syscall.Signal(0)); err != nil {
		return false, nil
	}
	return true, nil
}

func (l *LocalSpawner) Stop(ctx context.Context, server *Server) error {
	l.mu.Lock()
	cmd, ok := l.procs[server.Owner]
	delete(l.procs, server.Owner)
	l.mu.Unlock()
	if !ok || cmd.Process == nil {
		return nil
	}

	// Negative pid signals the whole process group
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrSpawnBackendError, err)
	}
	return nil
}

func freePort(host string) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
