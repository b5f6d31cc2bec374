package journal

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"trade_guard/internal/models"
	"trade_guard/internal/risk"
)

// FileStore: весь снимок в одном JSON, запись через tmp + fsync + rename.
type FileStore struct {
	path string

	mu   sync.Mutex
	snap risk.Snapshot
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load: нет файла, значит чистый старт.
func (f *FileStore) Load(context.Context) (risk.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		f.snap = risk.Snapshot{}
		return f.snap, nil
	}
	if err != nil {
		return risk.Snapshot{}, errors.Wrap(err, "journal.Load")
	}
	var s risk.Snapshot
	if err := sonic.Unmarshal(b, &s); err != nil {
		return risk.Snapshot{}, errors.Wrapf(err, "journal.Load: decode %s", f.path)
	}
	if n := len(s.History); n > risk.HistoryLimit {
		s.History = s.History[n-risk.HistoryLimit:]
	}
	f.snap = s
	return s, nil
}

func (f *FileStore) AppendTrade(_ context.Context, r models.TradeRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.snap.History = append(f.snap.History, r)
	if n := len(f.snap.History); n > risk.HistoryLimit {
		f.snap.History = append([]models.TradeRecord(nil), f.snap.History[n-risk.HistoryLimit:]...)
	}
	return errors.Wrap(f.flush(), "journal.AppendTrade")
}

func (f *FileStore) SavePeak(_ context.Context, peak decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.snap.PeakBalance = peak
	return errors.Wrap(f.flush(), "journal.SavePeak")
}

func (f *FileStore) flush() error {
	b, err := sonic.ConfigStd.MarshalIndent(f.snap, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(f.path, b, 0o600)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".journal-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}

	// fsync каталога, чтобы rename пережил падение
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
