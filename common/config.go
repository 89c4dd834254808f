package common

import (
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/xtfly/gokits/gfile"
	"gopkg.in/yaml.v2"
)

// Config is the on-disk configuration for a peer process. There is no
// separate server/client flavor: every process is a peer that both serves
// and fetches blocks.
type Config struct {
	Name string `yaml:"name"`

	SharedDir string `yaml:"sharedDir"`
	Log       string `yaml:"log"`

	Net struct {
		IP        string `yaml:"ip"`
		CTPPort   int    `yaml:"ctpPort"`   // UDP port for the Cluster Transfer Protocol
		AdminPort int    `yaml:"adminPort"` // local introspection HTTP port
	} `yaml:"net"`

	Cluster struct {
		ID               string `yaml:"id"`
		ControlServerURL string `yaml:"controlServerUrl"`    // HTTP base URL, the §6 REST surface
		ControlServerCTP string `yaml:"controlServerCtpAddr"` // UDP host:port; the control server also answers NEW_CRINFO_NOTIF over CTP
	} `yaml:"cluster"`

	Control *Control `yaml:"control"`
}

// Control holds tunables for the sync engine and CTP runtime.
type Control struct {
	BlockSize          int `yaml:"blockSize"`          // bytes per block
	HandlerPoolSize    int `yaml:"handlerPoolSize"`    // CTP request-handler worker pool
	AcquireConcurrency int `yaml:"acquireConcurrency"` // concurrent block acquisitions
	PollIntervalSec    int `yaml:"pollIntervalSec"`    // manifest hash poll interval
	RequestTimeoutSec  int `yaml:"requestTimeoutSec"`  // send_request timeout
	RequestRetries     int `yaml:"requestRetries"`     // send_request retries
	SuspectThreshold   int `yaml:"suspectThreshold"`   // parsed and defaulted only; the peer table uses its own peertable.SuspectThreshold constant
}

func normalPath(dir string) string {
	if !strings.HasPrefix(dir, "/") {
		return filepath.Join(gfile.GetPwd(), dir)
	}
	return dir
}

func (c *Config) defaultValue() {
	c.SharedDir = normalPath(c.SharedDir)
	if f, err := os.Stat(c.SharedDir); err != nil {
		os.MkdirAll(c.SharedDir, os.ModePerm)
	} else if !f.IsDir() {
		panic(c.SharedDir + " is not a directory")
	}

	if c.Log != "" && !strings.HasPrefix(c.Log, "/") {
		c.Log = filepath.Join(gfile.GetProcPwd(), c.Log)
	}

	if c.Net.CTPPort == 0 {
		c.Net.CTPPort = 6969
	}
	if c.Net.AdminPort == 0 {
		c.Net.AdminPort = 6970
	}

	if c.Control == nil {
		c.Control = &Control{}
	}
	if c.Control.BlockSize == 0 {
		c.Control.BlockSize = 1024
	}
	if c.Control.HandlerPoolSize == 0 {
		c.Control.HandlerPoolSize = 16
	}
	if c.Control.AcquireConcurrency == 0 {
		c.Control.AcquireConcurrency = 8
	}
	if c.Control.PollIntervalSec == 0 {
		c.Control.PollIntervalSec = 10
	}
	if c.Control.RequestTimeoutSec == 0 {
		c.Control.RequestTimeoutSec = 3
	}
	if c.Control.SuspectThreshold == 0 {
		c.Control.SuspectThreshold = 3
	}
}

func (c *Config) validate() error {
	if c.SharedDir == "" {
		return errors.New("not set sharedDir in config file")
	}
	if c.Cluster.ControlServerURL == "" {
		return errors.New("not set cluster.controlServerUrl in config file")
	}
	return nil
}

// ParseConfig reads, validates and fills in defaults for a peer config file.
// Note: this does not parse the bootstrap peer-list file; that format is
// external CLI tooling and out of scope here.
func ParseConfig(cfgfile string) (*Config, error) {
	ncfg := normalPath(cfgfile)
	bs, err := ioutil.ReadFile(ncfg)
	if err != nil {
		return nil, err
	}

	cfg := new(Config)
	if err := yaml.Unmarshal(bs, cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.defaultValue()
	return cfg, nil
}
