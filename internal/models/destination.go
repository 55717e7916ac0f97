package models

import "strings"

// Destination is a physical printer reachable over SMB. An empty Path marks a
// dummy destination that never leaves the process.
type Destination struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	QueueName string `json:"queue_name"`
	Path      string `json:"path,omitempty"`
	Domain    string `json:"domain,omitempty"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"-"`
	Up        bool   `json:"up"`
}

func (d *Destination) IsDummy() bool {
	return strings.TrimSpace(d.Path) == ""
}

// Host returns the server part of Path, e.g. "print.example.org" for
// "print.example.org/queue-1".
func (d *Destination) Host() string {
	p := strings.TrimLeft(strings.TrimSpace(d.Path), "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return p
}
