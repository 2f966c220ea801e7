package poller

import (
	"context"
	"fmt"
)

// Shell runs a command on the device.
type Shell interface {
	Shell(ctx context.Context, cmd string) (string, error)
}

// TermuxSMSSource lists the inbox with termux-sms-list.
type TermuxSMSSource struct {
	Shell Shell
	Limit int
}

// List implements Source.
func (s TermuxSMSSource) List(ctx context.Context) (string, error) {
	limit := s.Limit
	if limit <= 0 {
		limit = 50
	}
	out, err := s.Shell.Shell(ctx, fmt.Sprintf("termux-sms-list -l %d -t inbox", limit))
	if err != nil {
		return "", err
	}
	if out == "" {
		return "[]", nil
	}
	return out, nil
}
