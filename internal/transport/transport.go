// Package transport delivers finished documents to printers.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/orrn/printd/internal/models"
)

type Config struct {
	Binary     string
	Protocol   string
	DummyDelay time.Duration
	Timeout    time.Duration
}

func (c *Config) withDefaults() {
	if c.Binary == "" {
		c.Binary = "smbclient"
	}
	if c.Protocol == "" {
		c.Protocol = "SMB3"
	}
	if c.DummyDelay <= 0 {
		c.DummyDelay = time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
}

// SMB prints through smbclient. Destinations without a path, and every send
// in debug mode, are simulated.
type SMB struct {
	cfg    Config
	logger *slog.Logger
}

func NewSMB(cfg Config, logger *slog.Logger) *SMB {
	cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &SMB{cfg: cfg, logger: logger.With("component", "transport")}
}

func (s *SMB) Send(ctx context.Context, document string, dest *models.Destination, debug bool) error {
	fi, err := os.Stat(document)
	if err != nil {
		return fmt.Errorf("document not found: %w", err)
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("document %s is not a regular file", document)
	}

	s.logger.Debug("sending document",
		"file", fi.Name(),
		"size", fi.Size(),
		"destination", dest.Name,
	)

	if debug || dest.IsDummy() {
		time.Sleep(s.cfg.DummyDelay)
		s.logger.Info("sent to dummy destination", "file", fi.Name(), "destination", dest.Name)
		return nil
	}

	// The transfer is not interrupted by job cancellation; only its own
	// timeout can stop it.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Timeout)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, s.cfg.Binary, s.args(document, dest)...)
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("smbclient timed out after %s", s.cfg.Timeout)
		}
		return fmt.Errorf("smbclient failed: %w: %s", err, strings.TrimSpace(out.String()))
	}

	s.logger.Info("sent to destination", "file", fi.Name(), "destination", dest.Name)
	return nil
}

func (s *SMB) args(document string, dest *models.Destination) []string {
	return []string{
		"//" + strings.TrimLeft(dest.Path, "/"),
		dest.Password,
		"-c", "print " + document,
		"-U", dest.Domain + `\` + dest.Username,
		"-m" + s.cfg.Protocol,
	}
}

// Dummy accepts every document after Delay without contacting any printer.
type Dummy struct {
	Delay time.Duration
}

func (d Dummy) Send(ctx context.Context, document string, _ *models.Destination, _ bool) error {
	if _, err := os.Stat(document); err != nil {
		return fmt.Errorf("document not found: %w", err)
	}
	select {
	case <-time.After(d.Delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
