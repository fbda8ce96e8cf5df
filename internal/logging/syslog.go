// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

// SyslogConfig configures forwarding of log records to a remote
// syslog collector.
type SyslogConfig struct {
	Enabled  bool   `hcl:"enabled,optional"`
	Host     string `hcl:"host,optional"`
	Port     int    `hcl:"port,optional"`
	Protocol string `hcl:"protocol,optional"` // udp or tcp
	Tag      string `hcl:"tag,optional"`
	Facility int    `hcl:"facility,optional"` // RFC3164 facility code
}

// DefaultSyslogConfig returns the default (disabled) syslog configuration.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "gatehouse",
		Facility: 1, // user-level
	}
}

// SyslogWriter formats records as RFC3164 messages and writes them to a
// remote collector. Writes are best-effort; a broken connection is
// re-dialed on the next write.
type SyslogWriter struct {
	cfg      SyslogConfig
	hostname string

	mu   sync.Mutex
	conn net.Conn
}

// NewSyslogWriter creates a syslog writer for the given configuration.
func NewSyslogWriter(cfg SyslogConfig) (*SyslogWriter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("syslog host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "gatehouse"
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return &SyslogWriter{cfg: cfg, hostname: hostname}, nil
}

// Write implements io.Writer. Each call emits one syslog message with
// severity notice.
func (w *SyslogWriter) Write(p []byte) (int, error) {
	return len(p), w.WriteSeverity(5, string(p))
}

// WriteSeverity emits a message with the given RFC3164 severity (0-7).
func (w *SyslogWriter) WriteSeverity(severity int, msg string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		addr := net.JoinHostPort(w.cfg.Host, fmt.Sprintf("%d", w.cfg.Port))
		conn, err := net.DialTimeout(w.cfg.Protocol, addr, 3*time.Second)
		if err != nil {
			return err
		}
		w.conn = conn
	}

	pri := w.cfg.Facility*8 + severity
	line := fmt.Sprintf("<%d>%s %s %s: %s",
		pri, time.Now().Format(time.Stamp), w.hostname, w.cfg.Tag, msg)

	if _, err := fmt.Fprintln(w.conn, line); err != nil {
		// Drop the connection; the next write re-dials.
		w.conn.Close()
		w.conn = nil
		return err
	}
	return nil
}

// Close closes the underlying connection if open.
func (w *SyslogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		err := w.conn.Close()
		w.conn = nil
		return err
	}
	return nil
}
