package config

import (
	"fmt"
	"io/ioutil"

	"github.com/hashicorp/hcl"
)

// Load sets the variables in the config file at path which were not given on the command
// line.
func (c *Config) Load(path string) error {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return err
	}
	err = c.load(b)
	if err != nil {
		return fmt.Errorf("%s: %s", path, err)
	}
	return nil
}

func (c *Config) load(b []byte) error {
	var cfg map[string]interface{}

	err := hcl.Decode(&cfg, string(b))
	if err != nil {
		return err
	}
	for name, val := range cfg {
		cvar, ok := c.vars[name]
		if !ok {
			return fmt.Errorf("%s is not a config variable", name)
		}
		if cvar.noConfig {
			return fmt.Errorf("%s can't be set in config file", name)
		}

		switch val.(type) {
		case string, bool, int, int64, float64:
		default:
			return fmt.Errorf("%s: expected a string, number, or boolean; got %v", name, val)
		}

		if c.by(cvar) == ByDefault {
			err := cvar.flag.Value.Set(fmt.Sprintf("%v", val))
			if err != nil {
				return fmt.Errorf("%s: %s", name, err)
			}
			cvar.by = ByConfig
		}
	}

	return nil
}
