// Package upstream integrates with the edge proxy's runtime API: circuit
// status flows into HAProxy stick tables so VIP and ban decisions apply
// before a request ever reaches the gateway.
package upstream

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cerberus-gate/fortify/internal/errdefs"
)

// CircuitStatus is the value written to the stick table's gpc0 counter.
type CircuitStatus uint8

const (
	StatusNormal CircuitStatus = 0
	StatusVip    CircuitStatus = 1
	StatusBanned CircuitStatus = 2
)

// HAProxy is a Runtime API client over the admin unix socket. When the
// socket is absent (local dev, tests) every call degrades to a no-op.
type HAProxy struct {
	socketPath string
	stickTable string
	timeout    time.Duration
}

// NewHAProxy creates a client for the given socket and stick table.
func NewHAProxy(socketPath, stickTable string) *HAProxy {
	return &HAProxy{
		socketPath: socketPath,
		stickTable: stickTable,
		timeout:    2 * time.Second,
	}
}

// DefaultHAProxy uses the stock deployment paths.
func DefaultHAProxy() *HAProxy {
	return NewHAProxy("/var/run/haproxy.sock", "be_stick_tables")
}

// Available reports whether the runtime socket exists.
func (h *HAProxy) Available() bool {
	_, err := os.Stat(h.socketPath)
	return err == nil
}

// execute sends one command and reads the full response.
func (h *HAProxy) execute(command string) (string, error) {
	conn, err := net.DialTimeout("unix", h.socketPath, h.timeout)
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindCluster, "connect haproxy socket", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(h.timeout))

	if _, err := fmt.Fprintf(conn, "%s\n", command); err != nil {
		return "", errdefs.Wrap(errdefs.KindCluster, "send haproxy command", err)
	}

	var sb strings.Builder
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		sb.WriteString(scanner.Text())
		sb.WriteByte('\n')
	}
	return strings.TrimSpace(sb.String()), nil
}

// SetCircuitStatus writes the circuit's status into the stick table.
func (h *HAProxy) SetCircuitStatus(circuitID string, status CircuitStatus) error {
	if !h.Available() {
		slog.Debug("HAProxy socket not available, skipping stick table update")
		return nil
	}

	cmd := fmt.Sprintf("set table %s key %s data.gpc0 %d", h.stickTable, circuitID, status)
	resp, err := h.execute(cmd)
	if err != nil {
		return err
	}
	if resp != "" && !strings.HasPrefix(resp, "Entry") {
		slog.Warn("Unexpected HAProxy response", "circuit_id", circuitID, "response", resp)
	}
	slog.Debug("Updated HAProxy stick table", "circuit_id", circuitID, "status", status)
	return nil
}

// PromoteToVIP marks a circuit VIP at the edge.
func (h *HAProxy) PromoteToVIP(circuitID string) error {
	return h.SetCircuitStatus(circuitID, StatusVip)
}

// BanCircuit denies a circuit at the edge.
func (h *HAProxy) BanCircuit(circuitID string) error {
	return h.SetCircuitStatus(circuitID, StatusBanned)
}

// ClearCircuit removes a circuit's stick table entry.
func (h *HAProxy) ClearCircuit(circuitID string) error {
	if !h.Available() {
		return nil
	}
	_, err := h.execute(fmt.Sprintf("clear table %s key %s", h.stickTable, circuitID))
	if err != nil {
		return err
	}
	slog.Debug("Cleared HAProxy stick table entry", "circuit_id", circuitID)
	return nil
}

// StickTableEntry is one parsed stick table row.
type StickTableEntry struct {
	ConnCur     uint32
	ConnRate    uint32
	HTTPReqRate uint32
	GPC0        uint8
	ExpireSecs  uint64
}

// parseStickTableEntry extracts the counters from a "show table" row.
func parseStickTableEntry(line string) StickTableEntry {
	var entry StickTableEntry
	for _, part := range strings.Fields(line) {
		switch {
		case strings.HasPrefix(part, "conn_cur="):
			entry.ConnCur = parseUint32(strings.TrimPrefix(part, "conn_cur="))
		case strings.HasPrefix(part, "conn_rate"):
			if i := strings.IndexByte(part, '='); i >= 0 {
				entry.ConnRate = parseUint32(part[i+1:])
			}
		case strings.HasPrefix(part, "http_req_rate"):
			if i := strings.IndexByte(part, '='); i >= 0 {
				entry.HTTPReqRate = parseUint32(part[i+1:])
			}
		case strings.HasPrefix(part, "gpc0="):
			entry.GPC0 = uint8(parseUint32(strings.TrimPrefix(part, "gpc0=")))
		case strings.HasPrefix(part, "exp="):
			v, _ := strconv.ParseUint(strings.TrimPrefix(part, "exp="), 10, 64)
			entry.ExpireSecs = v
		}
	}
	return entry
}

func parseUint32(s string) uint32 {
	v, _ := strconv.ParseUint(s, 10, 32)
	return uint32(v)
}

// GetCircuitEntry reads a circuit's stick table row, nil when absent.
func (h *HAProxy) GetCircuitEntry(circuitID string) (*StickTableEntry, error) {
	if !h.Available() {
		return nil, nil
	}

	resp, err := h.execute(fmt.Sprintf("show table %s key %s", h.stickTable, circuitID))
	if err != nil {
		return nil, err
	}
	if resp == "" || strings.Contains(resp, "not found") {
		return nil, nil
	}
	for _, line := range strings.Split(resp, "\n") {
		if strings.Contains(line, "key="+circuitID) || strings.Contains(line, circuitID) {
			entry := parseStickTableEntry(line)
			return &entry, nil
		}
	}
	return nil, nil
}

// TableStats summarises stick table occupancy.
type TableStats struct {
	EntriesUsed uint64
	EntriesMax  uint64
}

// GetTableStats reads the stick table's size header.
func (h *HAProxy) GetTableStats() (TableStats, error) {
	var stats TableStats
	if !h.Available() {
		return stats, nil
	}

	resp, err := h.execute("show table " + h.stickTable)
	if err != nil {
		return stats, err
	}
	header, _, _ := strings.Cut(resp, "\n")
	if _, after, ok := strings.Cut(header, "used:"); ok {
		stats.EntriesUsed, _ = strconv.ParseUint(strings.TrimSpace(after), 10, 64)
	}
	if _, after, ok := strings.Cut(header, "size:"); ok {
		sizeStr, _, _ := strings.Cut(after, ",")
		stats.EntriesMax, _ = strconv.ParseUint(strings.TrimSpace(sizeStr), 10, 64)
	}
	return stats, nil
}
