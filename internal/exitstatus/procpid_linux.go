package exitstatus

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hakoniwa-dev/hakoniwa-go/configs"
)

// ReadProcPidStatus parses the subset of /proc/<pid>/status fields
// original_source/hakoniwa/src/metric/proc_pid_status.rs captures.
// Called while the target is still stopped at PTRACE_EVENT_EXIT, so
// the file reflects memory state at exit rather than after reaping.
func ReadProcPidStatus(pid int) (*configs.ProcPidStatus, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return nil, fmt.Errorf("exitstatus: opening proc status: %w", err)
	}
	defer f.Close()

	out := &configs.ProcPidStatus{}
	fields := map[string]*int64{
		"VmPeak:": &out.VmPeakKB,
		"VmSize:": &out.VmSizeKB,
		"VmRSS:":  &out.VmRSSKB,
		"VmHWM:":  &out.VmHWMKB,
		"VmData:": &out.VmDataKB,
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "Threads:") {
			out.Threads = parseKBField(line, "Threads:")
			continue
		}
		for prefix, dst := range fields {
			if strings.HasPrefix(line, prefix) {
				*dst = parseKBField(line, prefix)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("exitstatus: reading proc status: %w", err)
	}
	return out, nil
}

// ReadProcPidSmapsRollup parses the subset of /proc/<pid>/smaps_rollup
// fields the original hakoniwa captures.
func ReadProcPidSmapsRollup(pid int) (*configs.ProcPidSmapsRollup, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/smaps_rollup", pid))
	if err != nil {
		return nil, fmt.Errorf("exitstatus: opening smaps_rollup: %w", err)
	}
	defer f.Close()

	out := &configs.ProcPidSmapsRollup{}
	fields := map[string]*int64{
		"Rss:":            &out.RssKB,
		"Pss:":            &out.PssKB,
		"Shared_Clean:":   &out.SharedCleanKB,
		"Shared_Dirty:":   &out.SharedDirtyKB,
		"Private_Clean:":  &out.PrivateCleanKB,
		"Private_Dirty:":  &out.PrivateDirtyKB,
		"Referenced:":     &out.ReferencedKB,
		"Swap:":           &out.SwapKB,
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		fieldsOnLine := strings.Fields(line)
		if len(fieldsOnLine) < 2 {
			continue
		}
		if dst, ok := fields[fieldsOnLine[0]]; ok {
			*dst = parseKBField(line, fieldsOnLine[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("exitstatus: reading smaps_rollup: %w", err)
	}
	return out, nil
}

// parseKBField extracts the numeric value from a "Key:   123 kB" line.
func parseKBField(line, prefix string) int64 {
	rest := strings.TrimSpace(strings.TrimPrefix(line, prefix))
	rest = strings.TrimSuffix(rest, "kB")
	rest = strings.TrimSpace(rest)
	value, _ := strconv.ParseInt(rest, 10, 64)
	return value
}
