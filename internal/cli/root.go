// Package cli holds the modeshift command implementations.
package cli

import (
	"io"
	"time"
)

type Context struct {
	ConfigPath string
	Out        io.Writer
	Now        func() time.Time
}

func (c *Context) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
