package common

import "github.com/xtfly/log4g"

// LOG is the package-global logger used by every component in this
// module, the way the teacher's common.LOG is used from p2p/listen.go.
var LOG = log4g.GetLogger("clustershare")

// InitLog loads the log4g config file named by Config.Log, if any.
func InitLog(cfgFile string) {
	if cfgFile == "" {
		return
	}
	if err := log4g.GetManager().LoadConfigFile(cfgFile); err != nil {
		println("load log4g config failed: " + err.Error())
	}
}
