// Package instance: PID-файл, чтобы два контроллера не работали с одним аккаунтом.
package instance

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

var ErrLocked = errors.New("another instance is running")

type Lock struct {
	path string
}

// Acquire создаёт lock-файл эксклюзивно. Файл от мёртвого процесса забирается.
func Acquire(path string) (*Lock, error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				return nil, errors.Wrap(firstErr(werr, cerr), "write lock file")
			}
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, errors.Wrap(err, "create lock file")
		}

		pid, alive := holder(path)
		if alive {
			return nil, errors.Wrapf(ErrLocked, "pid %d holds %s", pid, path)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "remove stale lock file")
		}
	}
	return nil, errors.Wrapf(ErrLocked, "lock file %s keeps reappearing", path)
}

func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Terminate останавливает держателя lock-файла: SIGTERM, ждём grace, затем SIGKILL.
// pid == 0 - живого держателя нет.
func Terminate(path string, grace time.Duration) (int, error) {
	pid, alive := holder(path)
	if !alive || pid == os.Getpid() {
		return 0, nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return pid, err
	}
	if err := p.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return pid, nil
		}
		return pid, errors.Wrapf(err, "SIGTERM %d", pid)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if _, alive := holder(path); !alive {
			return pid, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err := p.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return pid, errors.Wrapf(err, "SIGKILL %d", pid)
	}
	return pid, nil
}

// Remove удаляет lock-файл независимо от владельца.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// holder читает PID из файла и проверяет, жив ли процесс. Мусор в файле = мёртвый.
func holder(path string) (int, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	if pid == os.Getpid() {
		return pid, true
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	err = p.Signal(syscall.Signal(0))
	return pid, err == nil || errors.Is(err, syscall.EPERM)
}

func firstErr(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}
