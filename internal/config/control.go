package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Control is the runtime control file. Fields left out keep their current
// value.
//
//	workers: 8
//	paused: false
type Control struct {
	Workers *int  `yaml:"workers"`
	Paused  *bool `yaml:"paused"`
}

// PoolController is the part of the download manager a control file drives.
type PoolController interface {
	Resize(n int) error
	Pause()
	Resume()
}

func ReadControl(path string) (Control, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Control{}, fmt.Errorf("failed to read control file: %w", err)
	}
	return ParseControl(data)
}

func ParseControl(data []byte) (Control, error) {
	var c Control
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Control{}, fmt.Errorf("failed to parse control file: %w", err)
	}
	if c.Workers != nil && *c.Workers < 0 {
		return Control{}, fmt.Errorf("workers must not be negative, got %d", *c.Workers)
	}
	return c, nil
}

func (c Control) Apply(p PoolController) error {
	if c.Workers != nil {
		if err := p.Resize(*c.Workers); err != nil {
			return fmt.Errorf("failed to resize pool: %w", err)
		}
		log.Debug().Str("op", "config/control").Msgf("pool resized to %d", *c.Workers)
	}
	if c.Paused != nil {
		if *c.Paused {
			p.Pause()
		} else {
			p.Resume()
		}
		log.Debug().Str("op", "config/control").Msgf("paused=%v", *c.Paused)
	}
	return nil
}
