package captcha

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

// Disk spool tier. Batches are written as ammo_<unix_millis>.bin files in
// the cache directory: a uint32 item count followed by length-prefixed JSON
// records. Filenames sort chronologically, so oldest-first loading is a
// name sort.

const spoolBatchItems = 1000

// dumpToDisk pops up to batchSize items, writes them as one spool file, and
// pushes them back into RAM (the spool holds a copy, not a move). Returns
// the number of items written.
func (a *AmmoBox) dumpToDisk(batchSize int) (int, error) {
	if batchSize <= 0 {
		return 0, nil
	}
	if !a.diskWritable() {
		return 0, nil
	}

	if err := os.MkdirAll(a.cfg.CacheDir, 0o755); err != nil {
		return 0, fmt.Errorf("create spool dir: %w", err)
	}

	batch := make([]Pregen, 0, batchSize)
	for len(batch) < batchSize {
		select {
		case c := <-a.pool:
			batch = append(batch, c)
		default:
			goto drained
		}
	}
drained:
	if len(batch) == 0 {
		return 0, nil
	}
	// Whatever happens on disk, the items return to RAM.
	defer a.PushBatch(batch)

	data, err := encodeBatch(batch)
	if err != nil {
		return 0, fmt.Errorf("encode spool batch: %w", err)
	}

	name := fmt.Sprintf("ammo_%d.bin", time.Now().UnixMilli())
	path := filepath.Join(a.cfg.CacheDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return 0, fmt.Errorf("write spool file: %w", err)
	}

	a.dumpedToDisk.Add(uint64(len(batch)))
	a.enforceDiskQuota()
	slog.Debug("Spooled CAPTCHAs to disk", "count", len(batch), "file", name)
	return len(batch), nil
}

// loadFromDisk reads spool files oldest-first, pushing their contents into
// RAM, until maxCount items are loaded or the spool is empty. Files are
// deleted after a successful load.
func (a *AmmoBox) loadFromDisk(maxCount int) (int, error) {
	files, err := a.spoolFiles()
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	loaded := 0
	for _, path := range files {
		if loaded >= maxCount {
			break
		}
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("Failed to read spool file", "file", path, "error", err)
			continue
		}
		batch, err := decodeBatch(data)
		if err != nil {
			// Corrupt file: remove it so it never blocks the oldest-first scan.
			slog.Warn("Corrupt spool file removed", "file", path, "error", err)
			_ = os.Remove(path)
			continue
		}
		pushed := a.PushBatch(batch)
		loaded += pushed
		_ = os.Remove(path)
		if pushed < len(batch) {
			// Pool filled mid-file: re-spool the remainder and stop.
			a.respool(batch[pushed:])
			break
		}
	}

	if loaded > 0 {
		a.loadedFromDisk.Add(uint64(loaded))
		slog.Debug("Loaded CAPTCHAs from disk", "count", loaded)
	}
	return loaded, nil
}

// respool writes items that did not fit in RAM back into a fresh spool
// file so they survive for the next load.
func (a *AmmoBox) respool(batch []Pregen) {
	data, err := encodeBatch(batch)
	if err != nil {
		slog.Warn("Failed to encode spool remainder", "count", len(batch), "error", err)
		return
	}
	name := fmt.Sprintf("ammo_%d.bin", time.Now().UnixMilli())
	if err := os.WriteFile(filepath.Join(a.cfg.CacheDir, name), data, 0o644); err != nil {
		slog.Warn("Failed to re-spool remainder", "count", len(batch), "error", err)
	}
}

// spoolFiles lists spool files sorted oldest first.
func (a *AmmoBox) spoolFiles() ([]string, error) {
	entries, err := os.ReadDir(a.cfg.CacheDir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "ammo_") && strings.HasSuffix(name, ".bin") {
			files = append(files, filepath.Join(a.cfg.CacheDir, name))
		}
	}
	sort.Strings(files)
	return files, nil
}

// enforceDiskQuota deletes the oldest spool files when the file count
// exceeds the disk cache cap.
func (a *AmmoBox) enforceDiskQuota() {
	if a.cfg.MaxDiskCache <= 0 {
		return
	}
	maxFiles := a.cfg.MaxDiskCache / spoolBatchItems
	if maxFiles < 1 {
		maxFiles = 1
	}
	files, err := a.spoolFiles()
	if err != nil {
		return
	}
	for len(files) > maxFiles {
		_ = os.Remove(files[0])
		files = files[1:]
	}
}

// diskWritable reports whether the spool may accept writes: false once free
// space on the cache volume drops below the configured floor.
func (a *AmmoBox) diskWritable() bool {
	if a.cfg.MinDiskFreeGB == 0 {
		return true
	}
	usage, err := disk.Usage(a.cfg.CacheDir)
	if err != nil {
		// Directory may not exist yet; check its parent volume instead.
		usage, err = disk.Usage(filepath.Dir(a.cfg.CacheDir))
		if err != nil {
			return true
		}
	}
	return usage.Free >= a.cfg.MinDiskFreeGB*1024*1024*1024
}

func encodeBatch(batch []Pregen) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(batch))); err != nil {
		return nil, err
	}
	for _, c := range batch {
		rec, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.BigEndian, uint32(len(rec))); err != nil {
			return nil, err
		}
		buf.Write(rec)
	}
	return buf.Bytes(), nil
}

func decodeBatch(data []byte) ([]Pregen, error) {
	buf := bytes.NewReader(data)
	var count uint32
	if err := binary.Read(buf, binary.BigEndian, &count); err != nil {
		return nil, err
	}
	batch := make([]Pregen, 0, count)
	for i := uint32(0); i < count; i++ {
		var n uint32
		if err := binary.Read(buf, binary.BigEndian, &n); err != nil {
			return nil, err
		}
		rec := make([]byte, n)
		if _, err := io.ReadFull(buf, rec); err != nil {
			return nil, err
		}
		var c Pregen
		if err := json.Unmarshal(rec, &c); err != nil {
			return nil, err
		}
		batch = append(batch, c)
	}
	return batch, nil
}
