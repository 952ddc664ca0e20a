// Package config ties command line flags to variables which may also be set in a config
// file. A flag given on the command line wins over the config file, which wins over the
// default.
package config

import (
	"sort"
	"time"

	"github.com/spf13/pflag"
)

type By int

const (
	ByDefault By = iota
	ByConfig
	ByFlag
)

func (by By) String() string {
	switch by {
	case ByDefault:
		return "default"
	case ByConfig:
		return "config"
	case ByFlag:
		return "flag"
	default:
		return "unknown"
	}
}

type variable struct {
	flag     *pflag.Flag
	by       By
	noConfig bool
}

type Config struct {
	fs   *pflag.FlagSet
	vars map[string]*variable
}

// Var is a config variable and where its current value came from.
type Var struct {
	Name  string
	Value string
	By    By
}

func NewConfig(fs *pflag.FlagSet) *Config {
	return &Config{
		fs:   fs,
		vars: map[string]*variable{},
	}
}

// Flag makes the flag called name, which must already be defined, a config variable.
func (c *Config) Flag(name string) {
	flg := c.fs.Lookup(name)
	if flg == nil {
		panic("config: no such flag: " + name)
	}
	c.vars[name] = &variable{flag: flg}
}

// NoConfig makes the flag called name a variable which can not be set in a config file,
// such as the name of the config file.
func (c *Config) NoConfig(name string) {
	c.Flag(name)
	c.vars[name].noConfig = true
}

func (c *Config) StringVar(p *string, name string, value string, usage string) {
	c.fs.StringVar(p, name, value, usage)
	c.Flag(name)
}

func (c *Config) IntVar(p *int, name string, value int, usage string) {
	c.fs.IntVar(p, name, value, usage)
	c.Flag(name)
}

func (c *Config) BoolVar(p *bool, name string, value bool, usage string) {
	c.fs.BoolVar(p, name, value, usage)
	c.Flag(name)
}

func (c *Config) DurationVar(p *time.Duration, name string, value time.Duration,
	usage string) {

	c.fs.DurationVar(p, name, value, usage)
	c.Flag(name)
}

func (c *Config) by(v *variable) By {
	if v.by == ByDefault && v.flag.Changed {
		return ByFlag
	}
	return v.by
}

// Vars returns every config variable, ordered by name.
func (c *Config) Vars() []Var {
	var vars []Var
	for name, v := range c.vars {
		vars = append(vars,
			Var{
				Name:  name,
				Value: v.flag.Value.String(),
				By:    c.by(v),
			})
	}
	sort.Slice(vars, func(i, j int) bool {
		return vars[i].Name < vars[j].Name
	})
	return vars
}
