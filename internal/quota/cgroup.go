package quota

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Rushilwiz/director4/schema"
)

// Observer samples cgroup v2 accounting files for container processes.
type Observer struct {
	// cgroupRoot is the cgroup2 mount point, normally /sys/fs/cgroup.
	cgroupRoot string
	// procRoot is /proc, overridable for tests.
	procRoot string
}

// NewObserver constructs an observer over the standard mount points.
func NewObserver() *Observer {
	return &Observer{cgroupRoot: "/sys/fs/cgroup", procRoot: "/proc"}
}

// NewObserverAt constructs an observer with explicit roots.
func NewObserverAt(cgroupRoot, procRoot string) *Observer {
	return &Observer{cgroupRoot: cgroupRoot, procRoot: procRoot}
}

// Sample reads the current usage accounting for the cgroup containing
// pid.
func (o *Observer) Sample(pid uint32) (schema.UsageSample, error) {
	dir, err := o.cgroupDir(pid)
	if err != nil {
		return schema.UsageSample{}, err
	}
	return o.sampleDir(dir)
}

func (o *Observer) sampleDir(dir string) (schema.UsageSample, error) {
	sample := schema.UsageSample{At: time.Now()}

	current, err := readCgroupInt(filepath.Join(dir, "memory.current"))
	if err != nil {
		return schema.UsageSample{}, err
	}
	sample.MemoryBytes = current

	if limit, err := readCgroupMax(filepath.Join(dir, "memory.max")); err == nil {
		sample.MemoryLimit = limit
	}

	if events, err := os.Open(filepath.Join(dir, "memory.events")); err == nil {
		kills, parseErr := parseKeyedCounter(events, "oom_kill")
		_ = events.Close()
		if parseErr == nil && kills >= 0 {
			sample.OOMKills = uint64(kills)
		}
	}

	if stat, err := os.Open(filepath.Join(dir, "cpu.stat")); err == nil {
		counters, parseErr := parseCounters(stat)
		_ = stat.Close()
		if parseErr == nil {
			sample.CPUUsageUsec = uint64(counters["usage_usec"])
			sample.ThrottledUsec = uint64(counters["throttled_usec"])
		}
	}

	return sample, nil
}

// cgroupDir resolves the cgroup v2 directory for a pid from its
// /proc/<pid>/cgroup entry.
func (o *Observer) cgroupDir(pid uint32) (string, error) {
	if pid == 0 {
		return "", errors.New("pid is required")
	}
	data, err := os.ReadFile(filepath.Join(o.procRoot, strconv.FormatUint(uint64(pid), 10), "cgroup"))
	if err != nil {
		return "", err
	}
	rel, err := parseCgroupPath(string(data))
	if err != nil {
		return "", err
	}
	return filepath.Join(o.cgroupRoot, strings.TrimPrefix(rel, "/")), nil
}

func parseCgroupPath(data string) (string, error) {
	for _, line := range strings.Split(data, "\n") {
		if strings.HasPrefix(line, "0::") {
			path := strings.TrimPrefix(line, "0::")
			if path == "" {
				path = "/"
			}
			return path, nil
		}
	}
	return "", errors.New("cgroup v2 not detected")
}

func readCgroupInt(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return value, nil
}

// readCgroupMax parses a limit file where "max" means unlimited,
// reported as zero.
func readCgroupMax(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	text := strings.TrimSpace(string(data))
	if text == "max" {
		return 0, nil
	}
	value, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return value, nil
}

func parseKeyedCounter(r io.Reader, key string) (int64, error) {
	counters, err := parseCounters(r)
	if err != nil {
		return 0, err
	}
	value, ok := counters[key]
	if !ok {
		return 0, fmt.Errorf("key %q not found", key)
	}
	return value, nil
}

func parseCounters(r io.Reader) (map[string]int64, error) {
	out := make(map[string]int64)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		value, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		out[fields[0]] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
