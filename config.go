package main

import (
	"fmt"

	"github.com/alecthomas/units"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

type config struct {
	verbose       bool
	base          int64 // negative to locate the header
	container     int64
	concurrency   int
	maxObjectSize units.Base2Bytes
	file          string

	info struct {
		format string
	}
	extract struct {
		output  string
		objects []int
	}
}

func newConfig() *config {
	c := &config{base: -1, concurrency: 4, maxObjectSize: units.GiB}
	c.info.format = formatText
	return c
}

// locate reports whether the header offset should be found by scanning the
// file instead of taken from the flags.
func (c *config) locate() bool {
	return c.base < 0
}

// Validate checks the flags that kingpin cannot check by itself. All problems
// are reported at once.
func (c *config) Validate() error {
	var err error
	if c.locate() {
		if c.container != 0 {
			err = multierror.Append(err, errors.New("--container-offset requires --base"))
		}
	} else if c.container < 0 || c.container > c.base {
		err = multierror.Append(err, fmt.Errorf("--container-offset %d must be between 0 and --base %d", c.container, c.base))
	}
	if c.concurrency < 0 {
		err = multierror.Append(err, fmt.Errorf("--concurrency %d must not be negative", c.concurrency))
	}
	if c.maxObjectSize < 0 {
		err = multierror.Append(err, fmt.Errorf("--max-object-size %s must not be negative", c.maxObjectSize))
	}
	switch c.info.format {
	case formatText, formatJSON, formatYAML:
	default:
		err = multierror.Append(err, fmt.Errorf("unknown output format %q", c.info.format))
	}
	for _, n := range c.extract.objects {
		if n < 1 {
			err = multierror.Append(err, fmt.Errorf("object number %d must be at least 1", n))
		}
	}
	return err
}
