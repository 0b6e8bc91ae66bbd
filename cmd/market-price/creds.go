package main

import (
	"io/ioutil"

	"github.com/juju/errors"
	"gopkg.in/yaml.v2"
)

type creds struct {
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	JWKFile      string `yaml:"jwk_file"`
}

// parseCreds tries to parse a YAML file with creds; example file contents:
//
//	user: GE-A-00000000-1-0000
//	password: "..."
//	client_id: 1234567890abcdef
//
// or, for the client credentials grant:
//
//	client_id: 1234567890abcdef
//	client_secret: "..."
func parseCreds(filename string) (*creds, error) {
	data, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, errors.Annotatef(err, "opening creds file %q", filename)
	}

	ret := creds{}
	if err := yaml.UnmarshalStrict(data, &ret); err != nil {
		return nil, errors.Annotatef(err, "parsing YAML from %q", filename)
	}

	return &ret, nil
}

// applyTo fills the config fields which aren't set otherwise.
func (cr *creds) applyTo(cfg *Config) {
	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}

	fill(&cfg.User, cr.User)
	fill(&cfg.Password, cr.Password)
	fill(&cfg.ClientID, cr.ClientID)
	fill(&cfg.ClientSecret, cr.ClientSecret)
	fill(&cfg.JWKFile, cr.JWKFile)
}
